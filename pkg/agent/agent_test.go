package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrum/pkg/agent/events"
	"github.com/nicktill/tinyrum/pkg/agent/harvest"
	"github.com/nicktill/tinyrum/pkg/agent/internal/jsonx"
	"github.com/nicktill/tinyrum/pkg/agent/jserrors"
	"github.com/nicktill/tinyrum/pkg/config"
)

type received struct {
	path  string
	query url.Values
	body  map[string][]map[string]any
}

// fakeCollector answers harvests with the status it is told to.
type fakeCollector struct {
	*httptest.Server

	status atomic.Int32
	mu     sync.Mutex
	got    []received
}

func newFakeCollector(t *testing.T) *fakeCollector {
	c := &fakeCollector{}
	c.status.Store(http.StatusAccepted)
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string][]map[string]any
		_ = jsonx.Unmarshal(raw, &body)

		c.mu.Lock()
		c.got = append(c.got, received{path: r.URL.Path, query: r.URL.Query(), body: body})
		c.mu.Unlock()

		w.WriteHeader(int(c.status.Load()))
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *fakeCollector) requests() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.got...)
}

func newTestAgent(t *testing.T, endpoint string) *Agent {
	t.Helper()
	logger := zerolog.Nop()
	a, err := New(Config{
		AppID:         "app-1",
		Endpoint:      endpoint,
		HarvestPeriod: time.Hour,
		GzipThreshold: -1,
		Logger:        &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func fail(msg string) error { return errors.New(msg) }

func TestNew_RequiresAppID(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestAgent_NoticeErrorAndHarvest(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)

	for i := 0; i < 3; i++ {
		a.NoticeError(fail("card declined"), map[string]any{"tier": "gold"})
	}
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "/jserrors/1/app-1", req.path)
	assert.Equal(t, a.Runtime().SessionID(), req.query.Get("s"))
	assert.Equal(t, "1", req.query.Get("pve"))

	require.Len(t, req.body["err"], 1, "identical errors share one bucket")
	bucket := req.body["err"][0]
	params := bucket["params"].(map[string]any)
	assert.Equal(t, "card declined", params["message"])
	assert.NotEmpty(t, params["stack_trace"])
	assert.EqualValues(t, 1, params["pageview"])
	assert.Equal(t, "gold", bucket["custom"].(map[string]any)["tier"])

	timing := bucket["metrics"].(map[string]any)["time"].(map[string]any)
	assert.EqualValues(t, 3, timing["c"])

	// Nothing new to send.
	require.NoError(t, a.Harvest(context.Background()))
	assert.Len(t, collector.requests(), 1)
}

func TestAgent_StartTwice(t *testing.T) {
	a := newTestAgent(t, "http://127.0.0.1:1")

	assert.ErrorIs(t, a.Harvest(context.Background()), ErrNotStarted)
	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

func TestAgent_RetryMergesIntoNextHarvest(t *testing.T) {
	collector := newFakeCollector(t)
	collector.status.Store(http.StatusServiceUnavailable)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	notice := func() { a.NoticeError(fail("timeout"), nil) }

	notice()
	require.NoError(t, a.Harvest(context.Background()))

	collector.status.Store(http.StatusOK)
	notice()
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].body["err"], 1)

	require.Len(t, reqs[1].body["err"], 1, "the retried bucket and the new occurrence share a key")
	bucket := reqs[1].body["err"][0]
	assert.EqualValues(t, 2, bucket["metrics"].(map[string]any)["time"].(map[string]any)["c"])
	assert.NotEmpty(t, bucket["params"].(map[string]any)["stack_trace"], "params of the first write are kept")
	assert.Empty(t, reqs[1].query.Get("pve"), "errorOnPage is reported once per session")
}

func TestAgent_BlockedByCollector(t *testing.T) {
	collector := newFakeCollector(t)
	collector.status.Store(http.StatusForbidden)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.NoticeError(fail("denied"), nil)
	require.NoError(t, a.Harvest(context.Background()))
	assert.True(t, a.Blocked())

	a.NoticeError(fail("after block"), nil)
	assert.ErrorIs(t, a.Harvest(context.Background()), harvest.ErrStopped)
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Len(t, collector.requests(), 1)
}

func TestAgent_BlockBeforeStart(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)

	a.NoticeError(fail("held"), nil)
	a.Block("jserrors")
	require.NoError(t, a.Start(context.Background()))

	assert.True(t, a.Blocked())
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Empty(t, collector.requests())
}

func TestAgent_ShutdownSendsFinalHarvest(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.NoticeError(fail("on the way out"), nil)
	require.NoError(t, a.Shutdown(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].body["err"], 1)

	// Stopped agents ignore everything.
	a.NoticeError(fail("late"), nil)
	assert.ErrorIs(t, a.Harvest(context.Background()), ErrStopped)
	assert.NoError(t, a.Shutdown(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrStopped)
}

func TestAgent_ShutdownBeforeStartSendsHeldErrors(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)

	a.NoticeError(fail("never started"), nil)
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Len(t, collector.requests(), 1)
}

func TestAgent_Interaction(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.SetCustomAttribute("plan", "free")
	a.BeginInteraction("ixn-1")
	a.NoticeError(fail("inside"), map[string]any{"plan": "pro"})

	require.NoError(t, a.Harvest(context.Background()))
	assert.Empty(t, collector.requests(), "held until the interaction ends")

	a.InteractionDone("ixn-1", true, map[string]any{"route": "/checkout", "plan": "trial"})
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	bucket := reqs[0].body["err"][0]
	assert.Equal(t, "ixn-1", bucket["params"].(map[string]any)["browserInteractionId"])
	custom := bucket["custom"].(map[string]any)
	assert.Equal(t, "/checkout", custom["route"])
	assert.Equal(t, "pro", custom["plan"], "the error's own attributes win")
}

func TestAgent_OverlappingInteractions(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.BeginInteraction("ixn-a")
	a.BeginInteraction("ixn-b")
	ctxA := jserrors.WithInteraction(context.Background(), "ixn-a")
	a.NoticeRequestError(ctxA, fail("from a"), "/a", nil)

	// b ends first; the error belongs to a and must not be released with b.
	a.InteractionDone("ixn-b", true, map[string]any{"route": "/b"})
	require.NoError(t, a.Harvest(context.Background()))
	assert.Empty(t, collector.requests(), "still held for ixn-a")

	a.InteractionDone("ixn-a", true, map[string]any{"route": "/a"})
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].body["err"], 1)
	bucket := reqs[0].body["err"][0]
	assert.Equal(t, "ixn-a", bucket["params"].(map[string]any)["browserInteractionId"])
	assert.Equal(t, "/a", bucket["custom"].(map[string]any)["route"])
}

func TestAgent_ErrorFilterAndReleaseIDs(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.AddReleaseID("checkout", "v1.2.3")
	a.SetPageURI("/cart")
	a.SetErrorFilter(func(err any) FilterResult {
		if e, ok := err.(error); ok && e.Error() == "noise" {
			return FilterResult{Ignore: true}
		}
		return FilterResult{}
	})

	a.NoticeError(fail("noise"), nil)
	a.NoticeError(fail("signal"), nil)
	a.RecordAjax(map[string]any{"method": "GET", "host": "api", "pathname": "/items", "status": 200},
		map[string]float64{"duration": 12}, nil)
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].body["err"], 1)
	params := reqs[0].body["err"][0]["params"].(map[string]any)
	assert.Equal(t, "signal", params["message"])
	assert.Equal(t, "/cart", params["request_uri"])
	assert.Equal(t, `{"checkout":"v1.2.3"}`, params["releaseIds"])
	assert.Equal(t, `{"checkout":"v1.2.3"}`, reqs[0].query.Get("ri"))
	assert.Len(t, reqs[0].body["xhr"], 1)
}

func TestAgent_NoticeRequestError(t *testing.T) {
	collector := newFakeCollector(t)
	a := newTestAgent(t, collector.URL)
	require.NoError(t, a.Start(context.Background()))

	a.NoticeRequestError(context.Background(), fail("handler failed"), "/api/users/{id}", nil)
	a.NoticeInternalError(fail("instrumentation bug"))
	require.NoError(t, a.Harvest(context.Background()))

	reqs := collector.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/users/{id}", reqs[0].body["err"][0]["params"].(map[string]any)["request_uri"])
	assert.Len(t, reqs[0].body["ierr"], 1)
}

func TestAgent_PublishesSessionEvents(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := pubSub.Subscribe(ctx, string(events.TopicSessionTrace))
	require.NoError(t, err)

	logger := zerolog.Nop()
	a, err := New(Config{
		AppID:     "app-1",
		Endpoint:  "http://127.0.0.1:1",
		Publisher: pubSub,
		Logger:    &logger,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Block("jserrors")

	a.NoticeError(fail("traced"), nil)

	select {
	case msg := <-msgs:
		assert.Equal(t, a.Runtime().SessionID(), msg.Metadata.Get("session"))
		var p events.ErrorAggPayload
		require.NoError(t, jsonx.Unmarshal(msg.Payload, &p))
		assert.Equal(t, "err", p.Type)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no session trace event")
	}
}

func TestFromSettings(t *testing.T) {
	s, err := config.Load("")
	require.NoError(t, err)
	s.Agent.AppID = "app-9"

	cfg := FromSettings(s.Agent)
	assert.Equal(t, "app-9", cfg.AppID)
	assert.Equal(t, config.DefaultHarvestPeriod, cfg.HarvestPeriod)
	assert.True(t, cfg.Env.SupportsBeacon)
	assert.True(t, cfg.Env.SupportsFetchKeepAlive)
}
