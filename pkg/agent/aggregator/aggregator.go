package aggregator

import (
	"math"
	"sort"
	"sync"
)

// Params are the identifying fields of a bucket. First write wins.
type Params map[string]any

// Custom are user-supplied attributes of a bucket. Last write wins per key.
type Custom map[string]any

// Metric accumulates every value stored under one metric name.
type Metric struct {
	Count        int64   `json:"c"`
	Total        float64 `json:"t"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	SumOfSquares float64 `json:"sos"`
}

// Mean returns Total/Count, or 0 for an empty metric.
func (m Metric) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Total / float64(m.Count)
}

func single(v float64) Metric {
	return Metric{Count: 1, Total: v, Min: v, Max: v, SumOfSquares: v * v}
}

func (m Metric) combine(o Metric) Metric {
	if m.Count == 0 {
		return o
	}
	if o.Count == 0 {
		return m
	}
	return Metric{
		Count:        m.Count + o.Count,
		Total:        m.Total + o.Total,
		Min:          math.Min(m.Min, o.Min),
		Max:          math.Max(m.Max, o.Max),
		SumOfSquares: m.SumOfSquares + o.SumOfSquares,
	}
}

// Bucket is one aggregated entry.
type Bucket struct {
	// Key is the bucket key the entry was stored under; it is kept so a retried payload merges
	// back into the same bucket.
	Key     string            `json:"-"`
	Params  Params            `json:"params"`
	Metrics map[string]Metric `json:"metrics"`
	Custom  Custom            `json:"custom,omitempty"`
}

// Count returns the number of observations folded into the bucket.
func (b Bucket) Count() int64 {
	var n int64
	for _, m := range b.Metrics {
		if m.Count > n {
			n = m.Count
		}
	}
	return n
}

// Config bounds the store.
type Config struct {
	// MaxBucketsPerType limits distinct keys per event type. 0 disables the limit.
	MaxBucketsPerType int

	// OnDrop is called (with the store lock released) when a new bucket is refused.
	OnDrop func(eventType string)
}

// Aggregator is the per-agent keyed store of (event type, bucket key) -> Bucket.
//
// Store, Merge and Take are serialized, so a Take is atomic with respect to later writes:
// anything stored after it begins a new generation of the bucket.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]map[string]*Bucket
	order   map[string][]string
	dropped map[string]int64
}

// New creates an empty aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		buckets: make(map[string]map[string]*Bucket),
		order:   make(map[string][]string),
		dropped: make(map[string]int64),
	}
}

// Store records one observation. Numeric metrics are folded into their running stats,
// params are kept from the first write and custom attributes are overwritten per key.
func (a *Aggregator) Store(eventType, key string, params Params, metrics map[string]float64, custom Custom) {
	a.mu.Lock()
	b, ok := a.bucketLocked(eventType, key)
	if !ok {
		a.mu.Unlock()
		a.notifyDrop(eventType)
		return
	}

	if b.Params == nil {
		b.Params = cloneParams(params)
	}
	for name, v := range metrics {
		b.Metrics[name] = b.Metrics[name].combine(single(v))
	}
	if len(custom) > 0 {
		if b.Custom == nil {
			b.Custom = make(Custom, len(custom))
		}
		for k, v := range custom {
			b.Custom[k] = v
		}
	}
	a.mu.Unlock()
}

// Merge folds previously taken data back in. Counts and sums add to whatever new activity
// accumulated since the Take. Params and custom keys written by new activity win; keys only the
// taken data has are kept.
func (a *Aggregator) Merge(eventType, key string, metrics map[string]Metric, params Params, custom Custom) {
	a.mu.Lock()
	b, ok := a.bucketLocked(eventType, key)
	if !ok {
		a.mu.Unlock()
		a.notifyDrop(eventType)
		return
	}

	if len(params) > 0 {
		if b.Params == nil {
			b.Params = make(Params, len(params))
		}
		for k, v := range params {
			if _, exists := b.Params[k]; !exists {
				b.Params[k] = v
			}
		}
	}
	for name, m := range metrics {
		b.Metrics[name] = b.Metrics[name].combine(m)
	}
	if len(custom) > 0 {
		if b.Custom == nil {
			b.Custom = make(Custom, len(custom))
		}
		for k, v := range custom {
			if _, exists := b.Custom[k]; !exists {
				b.Custom[k] = v
			}
		}
	}
	a.mu.Unlock()
}

// bucketLocked returns the bucket for (eventType, key), creating it when the per-type limit
// allows. MUST be called with a.mu held.
func (a *Aggregator) bucketLocked(eventType, key string) (*Bucket, bool) {
	byKey := a.buckets[eventType]
	if byKey == nil {
		byKey = make(map[string]*Bucket)
		a.buckets[eventType] = byKey
	}
	if b, ok := byKey[key]; ok {
		return b, true
	}
	if a.cfg.MaxBucketsPerType > 0 && len(byKey) >= a.cfg.MaxBucketsPerType {
		a.dropped[eventType]++
		return nil, false
	}

	b := &Bucket{Key: key, Metrics: make(map[string]Metric)}
	byKey[key] = b
	a.order[eventType] = append(a.order[eventType], key)
	return b, true
}

func (a *Aggregator) notifyDrop(eventType string) {
	if a.cfg.OnDrop != nil {
		a.cfg.OnDrop(eventType)
	}
}

// Take removes and returns every bucket of the given types, in insertion order. Types without
// buckets are absent from the result; the result is nil when there is nothing at all.
func (a *Aggregator) Take(types ...string) map[string][]Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out map[string][]Bucket
	for _, t := range types {
		byKey := a.buckets[t]
		if len(byKey) == 0 {
			continue
		}
		list := make([]Bucket, 0, len(byKey))
		for _, key := range a.order[t] {
			if b, ok := byKey[key]; ok {
				list = append(list, *b)
			}
		}
		if out == nil {
			out = make(map[string][]Bucket)
		}
		out[t] = list
		delete(a.buckets, t)
		delete(a.order, t)
	}
	return out
}

// Get returns a copy of one bucket without removing it.
func (a *Aggregator) Get(eventType, key string) (Bucket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[eventType][key]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Len returns the number of buckets currently held for eventType.
func (a *Aggregator) Len(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets[eventType])
}

// Dropped returns how many new buckets were refused per type since creation.
func (a *Aggregator) Dropped() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// Types returns the event types that currently hold buckets, sorted.
func (a *Aggregator) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	types := make([]string, 0, len(a.buckets))
	for t, byKey := range a.buckets {
		if len(byKey) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

func cloneParams(p Params) Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
