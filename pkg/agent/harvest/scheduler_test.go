package harvest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeature hands out a payload while it has pending items and records results.
type fakeFeature struct {
	mu       sync.Mutex
	pending  int
	started  []Options
	finished []Result
}

func (f *fakeFeature) Name() string { return "jserrors" }

func (f *fakeFeature) OnHarvestStarted(opts Options) Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts)
	if f.pending == 0 {
		return Payload{}
	}
	n := f.pending
	f.pending = 0
	return Payload{Body: map[string]any{"err": n}}
}

func (f *fakeFeature) OnHarvestFinished(res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, res)
}

func (f *fakeFeature) add(n int) {
	f.mu.Lock()
	f.pending += n
	f.mu.Unlock()
}

func (f *fakeFeature) results() []Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Result(nil), f.finished...)
}

// fakeSender returns canned results and can hold a request open until released.
type fakeSender struct {
	mu       sync.Mutex
	requests []Request
	result   Result
	hold     chan struct{}
	entered  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *fakeSender) Send(ctx context.Context, req Request) Result {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	res := s.result
	hold, entered := s.hold, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	return res
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestScheduler(f Feature, s Sender) *Scheduler {
	return NewScheduler(Config{Feature: f, Sender: s, Logger: zerolog.Nop()})
}

func TestRunHarvest_SkipsEmptyPayload(t *testing.T) {
	feature := &fakeFeature{}
	sender := &fakeSender{}
	s := newTestScheduler(feature, sender)

	_, err := s.RunHarvest(context.Background(), Options{Retry: true})
	assert.True(t, errors.Is(err, ErrEmpty))
	assert.Equal(t, 0, sender.count(), "no network call for an empty payload")
	assert.Empty(t, feature.results())
}

func TestRunHarvest_SendsAndReports(t *testing.T) {
	feature := &fakeFeature{pending: 2}
	sender := &fakeSender{result: Result{Outcome: Sent, Status: 200}}
	s := newTestScheduler(feature, sender)

	res, err := s.RunHarvest(context.Background(), Options{Retry: true})
	require.NoError(t, err)
	assert.Equal(t, Sent, res.Outcome)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, "jserrors", sender.requests[0].Feature)
	assert.False(t, sender.requests[0].Final)
	require.Len(t, feature.results(), 1)
	assert.True(t, feature.started[0].Retry)
}

func TestRunHarvest_AtMostOneInFlight(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{
		result:  Result{Outcome: Sent, Status: 200},
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := newTestScheduler(feature, sender)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunHarvest(context.Background(), Options{Retry: true})
	}()
	<-sender.entered
	assert.True(t, s.Sending())

	feature.add(1)
	_, err := s.RunHarvest(context.Background(), Options{Retry: true})
	assert.True(t, errors.Is(err, ErrInFlight))

	close(sender.hold)
	<-done
	assert.False(t, s.Sending())
	assert.Equal(t, int32(1), sender.maxSeen.Load())
}

func TestRunHarvest_BlockedStopsScheduler(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{result: Result{Outcome: Blocked, Status: 403}}

	var blocked atomic.Int32
	s := NewScheduler(Config{
		Feature:   feature,
		Sender:    sender,
		OnBlocked: func() { blocked.Add(1) },
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, s.StartTimer(time.Hour, time.Hour))

	_, err := s.RunHarvest(context.Background(), Options{Retry: true})
	require.NoError(t, err)
	assert.True(t, s.Stopped())
	assert.False(t, s.Armed())
	assert.Equal(t, int32(1), blocked.Load())

	feature.add(1)
	_, err = s.RunHarvest(context.Background(), Options{Retry: true})
	assert.True(t, errors.Is(err, ErrStopped))
	assert.True(t, errors.Is(s.StartTimer(time.Second, 0), ErrStopped))
	assert.Equal(t, 1, sender.count())
}

func TestStopTimer_MidSendIgnoresResult(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{
		result:  Result{Outcome: Retry, Status: 503},
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := newTestScheduler(feature, sender)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunHarvest(context.Background(), Options{Retry: true})
		done <- err
	}()
	<-sender.entered

	s.StopTimer(true)
	close(sender.hold)

	assert.True(t, errors.Is(<-done, ErrStopped))
	assert.Empty(t, feature.results(), "result callback is a no-op after stop")
}

func TestStopTimer_AnyState(t *testing.T) {
	s := newTestScheduler(&fakeFeature{}, &fakeSender{})
	assert.NotPanics(t, func() {
		s.StopTimer(false)
		s.StopTimer(true)
		s.StopTimer(true)
	})
}

func TestStartTimer_TicksHarvest(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{result: Result{Outcome: Sent, Status: 200}}
	s := newTestScheduler(feature, sender)

	require.NoError(t, s.StartTimer(20*time.Millisecond, 5*time.Millisecond))
	defer s.StopTimer(true)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	feature.add(3)
	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Armed())
}

func TestStartTimer_StopDisarms(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{result: Result{Outcome: Sent, Status: 200}}
	s := newTestScheduler(feature, sender)

	require.NoError(t, s.StartTimer(30*time.Millisecond, 30*time.Millisecond))
	s.StopTimer(false)
	assert.False(t, s.Armed())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, sender.count())
	assert.False(t, s.Stopped(), "a plain stop can be re-armed")
}

func TestRetryAfter_ExtendsNextTickOnly(t *testing.T) {
	feature := &fakeFeature{pending: 1}
	sender := &fakeSender{result: Result{Outcome: Retry, Status: 429, Delay: time.Hour}}
	s := NewScheduler(Config{
		Feature:       feature,
		Sender:        sender,
		MaxRetryDelay: 50 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	_, err := s.RunHarvest(context.Background(), Options{Retry: true})
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, s.takeExtra(), "delay clamped by MaxRetryDelay")
	assert.Equal(t, time.Duration(0), s.takeExtra(), "delay applies to one tick")
}

func TestFinalHarvest(t *testing.T) {
	t.Run("sends with final options", func(t *testing.T) {
		feature := &fakeFeature{pending: 1}
		sender := &fakeSender{result: Result{Outcome: Sent}}
		s := newTestScheduler(feature, sender)

		require.NoError(t, s.FinalHarvest(context.Background()))
		require.Equal(t, 1, sender.count())
		assert.True(t, sender.requests[0].Final)
		assert.Equal(t, Options{Final: true}, feature.started[0])
	})

	t.Run("empty is not an error", func(t *testing.T) {
		s := newTestScheduler(&fakeFeature{}, &fakeSender{})
		assert.NoError(t, s.FinalHarvest(context.Background()))
	})

	t.Run("waits for outstanding send", func(t *testing.T) {
		feature := &fakeFeature{pending: 1}
		sender := &fakeSender{
			result:  Result{Outcome: Sent},
			hold:    make(chan struct{}),
			entered: make(chan struct{}, 2),
		}
		s := newTestScheduler(feature, sender)

		go func() { _, _ = s.RunHarvest(context.Background(), Options{Retry: true}) }()
		<-sender.entered

		feature.add(1)
		final := make(chan error, 1)
		go func() { final <- s.FinalHarvest(context.Background()) }()

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, sender.count(), "final harvest does not overlap the outstanding send")

		close(sender.hold)
		require.NoError(t, <-final)
		assert.Equal(t, 2, sender.count())
		assert.Equal(t, int32(1), sender.maxSeen.Load())
	})

	t.Run("stopped", func(t *testing.T) {
		s := newTestScheduler(&fakeFeature{pending: 1}, &fakeSender{})
		s.StopTimer(true)
		assert.True(t, errors.Is(s.FinalHarvest(context.Background()), ErrStopped))
	})
}
