package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicktill/tinyrum/pkg/agent/aggregator"
	"github.com/nicktill/tinyrum/pkg/agent/events"
	"github.com/nicktill/tinyrum/pkg/agent/harvest"
	"github.com/nicktill/tinyrum/pkg/agent/jserrors"
	"github.com/nicktill/tinyrum/pkg/agent/runtime"
	"github.com/nicktill/tinyrum/pkg/agent/supportability"
	"github.com/nicktill/tinyrum/pkg/agent/transport"
	"github.com/nicktill/tinyrum/pkg/config"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("agent already started")

	// ErrNotStarted is returned by Harvest before Start.
	ErrNotStarted = errors.New("agent not started")

	// ErrStopped is returned once Shutdown ran.
	ErrStopped = errors.New("agent stopped")
)

// FilterResult is the verdict of an error filter.
type FilterResult = runtime.FilterResult

// ErrorFilter inspects an error before it is recorded.
type ErrorFilter = runtime.ErrorFilter

// Config holds configuration for the agent
type Config struct {
	AppID      string `json:"app_id"`
	LicenseKey string `json:"license_key"`
	Endpoint   string `json:"endpoint"`

	HarvestPeriod  time.Duration `json:"harvest_period"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxRetryDelay  time.Duration `json:"max_retry_delay"`

	// GzipThreshold compresses larger bodies; negative disables gzip.
	GzipThreshold     int `json:"gzip_threshold"`
	MaxBucketsPerType int `json:"max_buckets_per_type"`

	// Replay marks every error as having a session replay.
	Replay bool `json:"replay"`

	// Env declares the final-harvest mechanisms. Both default to off, which sends the final
	// harvest as a synchronous request.
	Env transport.Environment `json:"-"`

	// Caps overrides the send mechanisms; HTTPClient is used by the default ones.
	Caps       transport.Capabilities `json:"-"`
	HTTPClient *http.Client           `json:"-"`

	// Interactions overrides the built-in interaction tracker.
	Interactions jserrors.Interactions `json:"-"`

	// Publisher receives session trace and replay events when set.
	Publisher message.Publisher `json:"-"`

	Logger *zerolog.Logger `json:"-"`
}

// FromSettings converts loaded settings into an agent config.
func FromSettings(s config.AgentSettings) Config {
	return Config{
		AppID:             s.AppID,
		LicenseKey:        s.LicenseKey,
		Endpoint:          s.Endpoint,
		HarvestPeriod:     s.HarvestPeriod,
		RequestTimeout:    s.RequestTimeout,
		MaxRetryDelay:     s.MaxRetryDelay,
		GzipThreshold:     s.GzipThreshold,
		MaxBucketsPerType: s.MaxBuckets,
		Replay:            s.ReplayMode,
		Env: transport.Environment{
			SupportsFetchKeepAlive: s.KeepAlive,
			SupportsBeacon:         s.Beacon,
		},
	}
}

// Agent observes errors and outbound calls of one application and ships them to the collector.
type Agent struct {
	config  Config
	logger  zerolog.Logger
	runtime *runtime.Runtime
	bus     *events.Bus
	store   *aggregator.Aggregator
	metrics *supportability.Metrics
	caps    transport.Capabilities
	tracker *jserrors.Tracker
	errors  *jserrors.Aggregate

	started atomic.Bool
	stopped atomic.Bool
}

// New creates an agent. Observations are accepted right away and held until Start.
func New(cfg Config) (*Agent, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = config.DefaultEndpoint
	}
	if cfg.HarvestPeriod == 0 {
		cfg.HarvestPeriod = config.DefaultHarvestPeriod
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = config.DefaultMaxRetryDelay
	}
	if cfg.MaxBucketsPerType == 0 {
		cfg.MaxBucketsPerType = config.DefaultMaxBucketsPerType
	}

	logger := log.Logger.With().Str("component", "tinyrum").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	a := &Agent{
		config:  cfg,
		logger:  logger,
		runtime: runtime.New(),
		bus:     events.NewBus(logger),
		metrics: supportability.New(),
		tracker: jserrors.NewTracker(),
	}
	a.runtime.SetReplay(cfg.Replay)
	a.store = aggregator.New(aggregator.Config{
		MaxBucketsPerType: cfg.MaxBucketsPerType,
		OnDrop:            a.metrics.RecordDropped,
	})

	a.caps = cfg.Caps
	if a.caps == nil {
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: cfg.RequestTimeout}
		}
		a.caps = transport.NewHTTP(transport.HTTPConfig{
			Client:           client,
			KeepAliveTimeout: cfg.RequestTimeout,
			Env:              cfg.Env,
		})
	}

	sender, err := transport.NewSender(transport.SenderConfig{
		Endpoint:      cfg.Endpoint,
		AppID:         cfg.AppID,
		LicenseKey:    cfg.LicenseKey,
		Caps:          a.caps,
		Env:           cfg.Env,
		GzipThreshold: cfg.GzipThreshold,
		Query:         a.query,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	var interactions jserrors.Interactions = a.tracker
	if cfg.Interactions != nil {
		interactions = cfg.Interactions
	}

	a.errors, err = jserrors.New(jserrors.Config{
		Aggregator:     a.store,
		Bus:            a.bus,
		Runtime:        a.runtime,
		Sender:         sender,
		Interactions:   interactions,
		HarvestPeriod:  cfg.HarvestPeriod,
		MaxRetryDelay:  cfg.MaxRetryDelay,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        a.metrics,
		Logger:         logger.With().Str("feature", jserrors.FeatureName).Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jserrors feature: %w", err)
	}

	if cfg.Publisher != nil {
		events.NewForwarder(a.bus, cfg.Publisher, a.runtime.SessionID(), logger)
	}

	a.bus.Buffer(jserrors.Topics()...)
	return a, nil
}

// query is added to every harvest request.
func (a *Agent) query() url.Values {
	return url.Values{
		"s":  {a.runtime.SessionID()},
		"ts": {fmt.Sprint(a.runtime.Offset())},
	}
}

// Start releases held observations to the features and arms their harvest timers.
func (a *Agent) Start(ctx context.Context) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	a.drain()
	a.bus.Publish(events.Event{Topic: events.TopicDrain, Payload: events.DrainPayload{Feature: jserrors.FeatureName}})

	a.logger.Info().
		Str("app_id", a.config.AppID).
		Str("session", a.runtime.SessionID()).
		Dur("harvest_period", a.config.HarvestPeriod).
		Msg("agent started")
	return nil
}

// drain replays buffered events. Block goes first so held errors see the final state.
func (a *Agent) drain() {
	for _, topic := range jserrors.Topics() {
		a.bus.Drain(topic)
	}
}

// Shutdown sends what is left with the final harvest and stops all timers. It waits for
// detached sends until ctx ends.
func (a *Agent) Shutdown(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !a.started.Load() {
		a.drain()
	}

	sched := a.errors.Scheduler()
	sched.StopTimer(false)

	err := sched.FinalHarvest(ctx)
	if errors.Is(err, harvest.ErrStopped) {
		err = nil
	}
	sched.StopTimer(true)

	if w, ok := a.caps.(interface{ Wait(context.Context) error }); ok {
		if werr := w.Wait(ctx); werr != nil && err == nil {
			err = fmt.Errorf("waiting for final sends: %w", werr)
		}
	}

	a.logger.Info().Str("session", a.runtime.SessionID()).Msg("agent stopped")
	return err
}

// Harvest runs one harvest now instead of waiting for the timer.
func (a *Agent) Harvest(ctx context.Context) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	if !a.started.Load() {
		return ErrNotStarted
	}

	_, err := a.errors.Scheduler().RunHarvest(ctx, harvest.Options{Retry: true})
	if errors.Is(err, harvest.ErrEmpty) {
		return nil
	}
	return err
}

// NoticeError records err with optional custom attributes. It never panics.
func (a *Agent) NoticeError(err any, custom map[string]any) {
	a.publishError(events.TopicError, events.ErrorPayload{Err: err, Custom: custom})
}

// NoticeErrorContext records err like NoticeError. When ctx carries an interaction (see
// jserrors.WithInteraction) the error is attributed to that interaction.
func (a *Agent) NoticeErrorContext(ctx context.Context, err any, custom map[string]any) {
	a.publishError(events.TopicError, events.ErrorPayload{
		Err:           err,
		Custom:        custom,
		InteractionID: jserrors.InteractionFromContext(ctx),
	})
}

// NoticeRequestError records err raised while serving requestURI, attributed to the
// interaction ctx carries.
func (a *Agent) NoticeRequestError(ctx context.Context, err any, requestURI string, custom map[string]any) {
	a.publishError(events.TopicError, events.ErrorPayload{
		Err:           err,
		Custom:        custom,
		RequestURI:    requestURI,
		InteractionID: jserrors.InteractionFromContext(ctx),
	})
}

// NoticeInternalError records an error of the instrumentation itself. The error filter does
// not see it.
func (a *Agent) NoticeInternalError(err any) {
	a.publishError(events.TopicInternalError, events.ErrorPayload{Err: err})
}

func (a *Agent) publishError(topic events.Topic, p events.ErrorPayload) {
	defer a.recoverPanic("notice error")
	if a.stopped.Load() {
		return
	}
	p.At = a.runtime.Now()
	a.bus.Publish(events.Event{Topic: topic, Payload: p})
}

// RecordAjax records one outbound request: identifying params (method, host, path, status) and
// timing metrics.
func (a *Agent) RecordAjax(params map[string]any, metrics map[string]float64, custom map[string]any) {
	defer a.recoverPanic("record ajax")
	if a.stopped.Load() {
		return
	}
	a.bus.Publish(events.Event{Topic: events.TopicAjax, Payload: events.AjaxPayload{
		Params:  params,
		Metrics: metrics,
		Custom:  custom,
	}})
}

// SetErrorFilter installs a filter consulted for every non-internal error.
func (a *Agent) SetErrorFilter(f ErrorFilter) { a.runtime.SetErrorFilter(f) }

// SetCustomAttribute sets a session-level attribute. Nil removes it.
func (a *Agent) SetCustomAttribute(key string, value any) { a.runtime.SetAttribute(key, value) }

// SetPageURI sets the request_uri reported for errors noticed outside a request.
func (a *Agent) SetPageURI(uri string) { a.runtime.SetPageURI(uri) }

// AddReleaseID records the version of a named component.
func (a *Agent) AddReleaseID(name, id string) { a.runtime.SetReleaseID(name, id) }

// BeginInteraction opens an interaction. Errors noticed while it is open are held until it ends.
func (a *Agent) BeginInteraction(id string) {
	a.tracker.Begin(id, a.runtime.Now())
}

// InteractionDone ends an interaction; saved ones attach their id and attrs to held errors.
func (a *Agent) InteractionDone(id string, saved bool, attrs map[string]any) {
	a.tracker.End(id, a.runtime.Now(), saved, attrs)
	a.bus.Publish(events.Event{Topic: events.TopicInteractionDone, Payload: events.InteractionPayload{
		ID: id, Saved: saved, Attrs: attrs,
	}})
}

// SoftNavFlush ends a soft navigation; finished ones attach their id and attrs to held errors.
func (a *Agent) SoftNavFlush(id string, finished bool, attrs map[string]any) {
	a.tracker.End(id, a.runtime.Now(), finished, attrs)
	a.bus.Publish(events.Event{Topic: events.TopicSoftNavFlush, Payload: events.InteractionPayload{
		ID: id, Saved: finished, Attrs: attrs,
	}})
}

// Block stops a feature for the rest of the session.
func (a *Agent) Block(feature string) {
	a.bus.Publish(events.Event{Topic: events.TopicBlock, Payload: events.BlockPayload{Feature: feature}})
}

// Runtime returns the session state.
func (a *Agent) Runtime() *runtime.Runtime { return a.runtime }

// Metrics returns the agent's self metrics.
func (a *Agent) Metrics() *supportability.Metrics { return a.metrics }

// Blocked reports whether the error feature was blocked.
func (a *Agent) Blocked() bool { return a.errors.Blocked() }

func (a *Agent) recoverPanic(op string) {
	if r := recover(); r != nil {
		a.logger.Error().Str("op", op).Interface("panic", r).Msg("instrumentation panicked")
	}
}
