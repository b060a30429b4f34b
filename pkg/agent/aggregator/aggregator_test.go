package aggregator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MergesSameKey(t *testing.T) {
	agg := New(Config{})

	agg.Store("err", "k1", Params{"message": "first"}, map[string]float64{"time": 10}, Custom{"a": 1})
	agg.Store("err", "k1", Params{"message": "second"}, map[string]float64{"time": 30}, Custom{"a": 2, "b": true})

	b, ok := agg.Get("err", "k1")
	require.True(t, ok)

	assert.Equal(t, "first", b.Params["message"], "params are first-write-wins")
	assert.Equal(t, Custom{"a": 2, "b": true}, b.Custom, "custom attributes are last-write-wins")

	m := b.Metrics["time"]
	assert.Equal(t, int64(2), m.Count)
	assert.Equal(t, 40.0, m.Total)
	assert.Equal(t, 10.0, m.Min)
	assert.Equal(t, 30.0, m.Max)
	assert.Equal(t, 1000.0, m.SumOfSquares)
	assert.Equal(t, 20.0, m.Mean())
	assert.Equal(t, int64(2), b.Count())
}

func TestTake_RemovesAndReturnsOnce(t *testing.T) {
	agg := New(Config{})
	agg.Store("err", "a", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("err", "b", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("xhr", "c", Params{}, map[string]float64{"duration": 5}, nil)

	body := agg.Take("err", "ierr")
	require.Len(t, body, 1, "types with no buckets are absent")
	require.Len(t, body["err"], 2)
	assert.Equal(t, "a", body["err"][0].Key, "insertion order is kept")
	assert.Equal(t, "b", body["err"][1].Key)

	assert.Nil(t, agg.Take("err"), "second take has nothing to send")
	assert.Equal(t, 1, agg.Len("xhr"), "untaken types stay")
}

func TestTake_NothingStored(t *testing.T) {
	agg := New(Config{})
	assert.Nil(t, agg.Take("err"))
	assert.Nil(t, agg.Take())
}

func TestStore_AfterTakeStartsNewGeneration(t *testing.T) {
	agg := New(Config{})
	agg.Store("err", "k", Params{"v": 1}, map[string]float64{"time": 1}, nil)

	first := agg.Take("err")
	agg.Store("err", "k", Params{"v": 2}, map[string]float64{"time": 1}, nil)

	assert.Equal(t, int64(1), first["err"][0].Metrics["time"].Count, "snapshot is not mutated by later writes")
	b, _ := agg.Get("err", "k")
	assert.Equal(t, 2, b.Params["v"])
	assert.Equal(t, int64(1), b.Count())
}

func TestMerge_RestoresWithoutDoubleCounting(t *testing.T) {
	agg := New(Config{})
	agg.Store("err", "k", Params{"message": "old"}, map[string]float64{"time": 5}, Custom{"shared": "old", "only_old": 1})
	agg.Store("err", "k", Params{"message": "old"}, map[string]float64{"time": 7}, nil)

	taken := agg.Take("err")["err"][0]

	// New activity lands before the failed payload is restored.
	agg.Store("err", "k", Params{"message": "new"}, map[string]float64{"time": 9}, Custom{"shared": "new"})
	agg.Merge("err", taken.Key, taken.Metrics, taken.Params, taken.Custom)

	b, _ := agg.Get("err", "k")
	assert.Equal(t, int64(3), b.Metrics["time"].Count)
	assert.Equal(t, 21.0, b.Metrics["time"].Total)
	assert.Equal(t, 5.0, b.Metrics["time"].Min)
	assert.Equal(t, 9.0, b.Metrics["time"].Max)
	assert.Equal(t, "new", b.Params["message"], "params from new activity are kept")
	assert.Equal(t, "new", b.Custom["shared"])
	assert.Equal(t, 1, b.Custom["only_old"])
}

func TestMerge_KeepsParamsOnlyTakenDataHas(t *testing.T) {
	agg := New(Config{})
	agg.Store("err", "k", Params{"stackHash": "h", "stack_trace": "at a", "pageview": 1}, map[string]float64{"time": 1}, nil)
	taken := agg.Take("err")["err"][0]

	// A repeat recorded while the first occurrence is in flight carries fewer params.
	agg.Store("err", "k", Params{"stackHash": "h", "browser_stack_hash": "s"}, map[string]float64{"time": 2}, nil)
	agg.Merge("err", taken.Key, taken.Metrics, taken.Params, taken.Custom)

	b, _ := agg.Get("err", "k")
	assert.Equal(t, int64(2), b.Count())
	assert.Equal(t, Params{
		"stackHash":          "h",
		"stack_trace":        "at a",
		"pageview":           1,
		"browser_stack_hash": "s",
	}, b.Params)
}

func TestMerge_IntoEmptyStore(t *testing.T) {
	agg := New(Config{})
	agg.Merge("err", "k", map[string]Metric{"time": {Count: 4, Total: 8, Min: 1, Max: 3, SumOfSquares: 20}}, Params{"x": 1}, nil)

	b, ok := agg.Get("err", "k")
	require.True(t, ok)
	assert.Equal(t, int64(4), b.Count())
	assert.Equal(t, 1, b.Params["x"])
}

func TestStoreMerge_Associative(t *testing.T) {
	orders := [][]string{
		{"store", "merge", "store"},
		{"merge", "store", "store"},
		{"store", "store", "merge"},
	}
	restored := map[string]Metric{"time": {Count: 5, Total: 50, Min: 2, Max: 20, SumOfSquares: 600}}

	for _, order := range orders {
		agg := New(Config{})
		for _, op := range order {
			if op == "store" {
				agg.Store("err", "k", Params{}, map[string]float64{"time": 10}, nil)
			} else {
				agg.Merge("err", "k", restored, Params{}, nil)
			}
		}

		body := agg.Take("err")
		require.Len(t, body["err"], 1)
		m := body["err"][0].Metrics["time"]
		assert.Equal(t, int64(7), m.Count, "order %v", order)
		assert.Equal(t, 70.0, m.Total, "order %v", order)
		assert.Equal(t, 2.0, m.Min)
		assert.Equal(t, 20.0, m.Max)
		assert.Nil(t, agg.Take("err"))
	}
}

func TestStore_BucketLimit(t *testing.T) {
	var drops []string
	agg := New(Config{MaxBucketsPerType: 2, OnDrop: func(tp string) { drops = append(drops, tp) }})

	agg.Store("err", "a", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("err", "b", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("err", "c", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("err", "a", Params{}, map[string]float64{"time": 1}, nil)
	agg.Store("xhr", "a", Params{}, map[string]float64{"time": 1}, nil)

	assert.Equal(t, 2, agg.Len("err"))
	assert.Equal(t, map[string]int64{"err": 1}, agg.Dropped())
	assert.Equal(t, []string{"err"}, drops)

	a, _ := agg.Get("err", "a")
	assert.Equal(t, int64(2), a.Count(), "existing buckets still merge past the limit")

	agg.Take("err")
	agg.Store("err", "c", Params{}, map[string]float64{"time": 1}, nil)
	assert.Equal(t, 1, agg.Len("err"), "limit applies per generation")
}

func TestStore_EmptyKeyAndNilInput(t *testing.T) {
	agg := New(Config{})
	agg.Store("", "", nil, nil, nil)

	b, ok := agg.Get("", "")
	require.True(t, ok)
	assert.NotNil(t, b.Params)
	assert.Equal(t, []string{""}, agg.Types())
}

func TestStore_Concurrent(t *testing.T) {
	agg := New(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				agg.Store("err", "k", Params{}, map[string]float64{"time": 1}, nil)
			}
		}()
	}

	var taken int64
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			if body := agg.Take("err"); body != nil {
				mu.Lock()
				taken += body["err"][0].Count()
				mu.Unlock()
			}
		}
	}()
	wg.Wait()

	if body := agg.Take("err"); body != nil {
		taken += body["err"][0].Count()
	}
	assert.Equal(t, int64(2000), taken, "every store lands in exactly one take")
}
