package harvest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/agent/supportability"
	"github.com/nicktill/tinyrum/pkg/config"
)

// Feature is the aggregate side of a harvest: it builds payloads and learns their outcome.
type Feature interface {
	Name() string
	OnHarvestStarted(opts Options) Payload
	OnHarvestFinished(res Result)
}

// Sender carries one request to the collector. For final requests it returns as soon as the
// send is initiated.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Config holds configuration for the scheduler
type Config struct {
	Feature Feature
	Sender  Sender

	// MaxRetryDelay caps a collector-requested delay. Default: config.DefaultMaxRetryDelay.
	MaxRetryDelay time.Duration

	// RequestTimeout bounds one scheduled send. Default: config.DefaultRequestTimeout.
	RequestTimeout time.Duration

	// FinalHarvestWait is how long FinalHarvest waits for an outstanding send.
	// Default: config.DefaultFinalHarvestWait.
	FinalHarvestWait time.Duration

	// OnBlocked is called once when a result blocks the feature.
	OnBlocked func()

	Metrics *supportability.Metrics
	Logger  zerolog.Logger
}

// Scheduler runs the harvest cycle of one feature. It is Idle until StartTimer, Armed while the
// timer runs, Sending while a request is outstanding and Stopped after StopTimer(true) or a
// blocking result.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	extra  time.Duration // added to the next interval only

	sending atomic.Bool // at most one outstanding send
	stopped atomic.Bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = config.DefaultMaxRetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.FinalHarvestWait <= 0 {
		cfg.FinalHarvestWait = config.DefaultFinalHarvestWait
	}
	return &Scheduler{cfg: cfg}
}

// StartTimer arms the periodic harvest. The first tick fires after initialDelay, or after one
// period when initialDelay is zero. Re-arming replaces the running timer.
func (s *Scheduler) StartTimer(period, initialDelay time.Duration) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if period <= 0 {
		period = config.DefaultHarvestPeriod
	}
	if initialDelay <= 0 {
		initialDelay = period
	}

	s.disarm()

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx, period, initialDelay)
	return nil
}

// StopTimer disarms the timer. With immediate, the scheduler is stopped for good: an
// outstanding result is ignored when it arrives and nothing further is sent. Safe in any state.
func (s *Scheduler) StopTimer(immediate bool) {
	if immediate {
		s.stopped.Store(true)
	}
	s.disarm()
}

// Stopped reports whether the scheduler was stopped for good.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Sending reports whether a send is outstanding.
func (s *Scheduler) Sending() bool { return s.sending.Load() }

func (s *Scheduler) disarm() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	// Never wait for the loop to exit: a blocking result stops the timer from inside a tick.
	if cancel != nil {
		cancel()
	}
}

// Armed reports whether the timer is running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// loop fires harvests until ctx is cancelled.
// CRITICAL: a tick that finds a send outstanding is skipped, never queued.
func (s *Scheduler) loop(ctx context.Context, period, first time.Duration) {
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			sctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			_, err := s.RunHarvest(sctx, Options{Retry: true})
			cancel()
			if err == ErrStopped {
				return
			}

			next := period + s.takeExtra()
			timer.Reset(next)
		}
	}
}

func (s *Scheduler) takeExtra() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.extra
	s.extra = 0
	return d
}

// RunHarvest performs one harvest: snapshot, send, and feed the result back to the feature.
// It returns ErrInFlight when a send is outstanding, ErrEmpty when there was nothing to send and
// ErrStopped once the scheduler is stopped.
func (s *Scheduler) RunHarvest(ctx context.Context, opts Options) (Result, error) {
	if s.stopped.Load() {
		return Result{}, ErrStopped
	}
	if !s.sending.CompareAndSwap(false, true) {
		return Result{}, ErrInFlight
	}
	defer s.sending.Store(false)

	return s.harvest(ctx, opts)
}

// FinalHarvest sends whatever the feature holds on teardown without waiting for the collector's
// answer. An outstanding send is given FinalHarvestWait to finish so the store is never sent
// twice concurrently.
func (s *Scheduler) FinalHarvest(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}

	if !s.sending.CompareAndSwap(false, true) {
		if !s.waitIdle(ctx) {
			s.cfg.Logger.Warn().
				Str("feature", s.cfg.Feature.Name()).
				Msg("final harvest skipped: previous send still outstanding")
			return ErrInFlight
		}
	}
	defer s.sending.Store(false)

	_, err := s.harvest(ctx, Options{Final: true})
	if err == ErrEmpty {
		return nil
	}
	return err
}

// waitIdle claims the send guard once the outstanding send completes.
func (s *Scheduler) waitIdle(ctx context.Context) bool {
	deadline := time.NewTimer(s.cfg.FinalHarvestWait)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
			if s.sending.CompareAndSwap(false, true) {
				return true
			}
		}
	}
}

// harvest runs with the send guard held.
func (s *Scheduler) harvest(ctx context.Context, opts Options) (Result, error) {
	name := s.cfg.Feature.Name()

	payload := s.cfg.Feature.OnHarvestStarted(opts)
	if payload.Empty() {
		s.cfg.Metrics.RecordHarvest(name, "empty")
		return Result{}, ErrEmpty
	}

	res := s.cfg.Sender.Send(ctx, Request{Feature: name, Payload: payload, Final: opts.Final})
	s.cfg.Metrics.RecordBytes(name, res.Bytes)

	// A stop issued while the request was outstanding turns the result into a no-op.
	if s.stopped.Load() {
		return res, ErrStopped
	}

	s.cfg.Metrics.RecordHarvest(name, res.Outcome.String())
	s.cfg.Feature.OnHarvestFinished(res)

	switch res.Outcome {
	case Blocked:
		s.cfg.Logger.Warn().
			Str("feature", name).
			Int("status", res.Status).
			Msg("collector blocked feature, harvest stopped")
		s.StopTimer(true)
		if s.cfg.OnBlocked != nil {
			s.cfg.OnBlocked()
		}
	case Retry:
		s.cfg.Logger.Debug().
			Str("feature", name).
			Int("status", res.Status).
			Err(res.Err).
			Msg("harvest failed, data kept for next tick")
		if res.Delay > 0 {
			d := res.Delay
			if d > s.cfg.MaxRetryDelay {
				d = s.cfg.MaxRetryDelay
			}
			s.mu.Lock()
			s.extra = d
			s.mu.Unlock()
		}
	case Dropped:
		s.cfg.Logger.Warn().
			Str("feature", name).
			Int("status", res.Status).
			Err(res.Err).
			Msg("harvest rejected, data discarded")
	default:
		s.cfg.Logger.Debug().
			Str("feature", name).
			Int("status", res.Status).
			Int("bytes", res.Bytes).
			Str("method", res.Method).
			Msg("harvest sent")
	}
	return res, nil
}
