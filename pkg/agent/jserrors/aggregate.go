package jserrors

import (
	"errors"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/agent/aggregator"
	"github.com/nicktill/tinyrum/pkg/agent/events"
	"github.com/nicktill/tinyrum/pkg/agent/harvest"
	"github.com/nicktill/tinyrum/pkg/agent/internal/jsonx"
	"github.com/nicktill/tinyrum/pkg/agent/runtime"
	"github.com/nicktill/tinyrum/pkg/agent/stacktrace"
	"github.com/nicktill/tinyrum/pkg/agent/supportability"
	"github.com/nicktill/tinyrum/pkg/config"
)

// FeatureName is the feature's harvest name and endpoint path segment.
const FeatureName = "jserrors"

// Event types written to the aggregator.
const (
	TypeError         = "err"
	TypeInternalError = "ierr"
	TypeAjax          = "xhr"
)

var harvestTypes = []string{TypeError, TypeInternalError, TypeAjax}

// Config wires the feature to the agent.
type Config struct {
	Aggregator *aggregator.Aggregator
	Bus        *events.Bus
	Runtime    *runtime.Runtime
	Sender     harvest.Sender

	// Interactions attributes errors to application transactions. Optional.
	Interactions Interactions

	// HarvestPeriod is the scheduled harvest interval. Default: config.DefaultHarvestPeriod.
	HarvestPeriod  time.Duration
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration

	Metrics *supportability.Metrics
	Logger  zerolog.Logger
}

// pendingError is an error held until its interaction ends.
type pendingError struct {
	eventType string
	hash      string
	params    aggregator.Params
	metrics   map[string]float64
	local     map[string]any
}

// maxFlushed bounds how many flushed interactions are remembered for late errors.
const maxFlushed = 256

// flushedInteraction is how an interaction ended, kept so an error resolved to it just before
// its flush is still stored with the right attribution.
type flushedInteraction struct {
	saved bool
	attrs map[string]any
}

// Aggregate is the error feature: it turns raw errors into aggregated buckets and takes part in
// the harvest cycle.
//
// The stack and pageview sets live as long as the Aggregate; they are never cleared, so a stack
// is sent in full at most once per session.
type Aggregate struct {
	cfg       Config
	scheduler *harvest.Scheduler

	mu               sync.Mutex
	stackReported    map[string]bool
	pageviewReported map[string]bool
	pending          map[string][]pendingError
	flushed          map[string]flushedInteraction
	flushedOrder     []string
	currentBody      map[string][]aggregator.Bucket
	errorOnPage      bool
	blocked          bool
}

// New creates the feature and subscribes it to the bus. Nothing is harvested until a drain
// event for the feature arrives.
func New(cfg Config) (*Aggregate, error) {
	if cfg.Aggregator == nil || cfg.Bus == nil || cfg.Runtime == nil || cfg.Sender == nil {
		return nil, errors.New("jserrors: aggregator, bus, runtime and sender are required")
	}
	if cfg.HarvestPeriod <= 0 {
		cfg.HarvestPeriod = config.DefaultHarvestPeriod
	}

	a := &Aggregate{
		cfg:              cfg,
		stackReported:    make(map[string]bool),
		pageviewReported: make(map[string]bool),
		pending:          make(map[string][]pendingError),
		flushed:          make(map[string]flushedInteraction),
	}
	a.scheduler = harvest.NewScheduler(harvest.Config{
		Feature:        a,
		Sender:         cfg.Sender,
		MaxRetryDelay:  cfg.MaxRetryDelay,
		RequestTimeout: cfg.RequestTimeout,
		OnBlocked: func() {
			cfg.Bus.Publish(events.Event{Topic: events.TopicBlock, Payload: events.BlockPayload{Feature: FeatureName}})
		},
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})

	cfg.Bus.Subscribe(events.TopicError, a.handleError)
	cfg.Bus.Subscribe(events.TopicInternalError, a.handleError)
	cfg.Bus.Subscribe(events.TopicAjax, a.handleAjax)
	cfg.Bus.Subscribe(events.TopicInteractionDone, a.handleInteraction)
	cfg.Bus.Subscribe(events.TopicSoftNavFlush, a.handleInteraction)
	cfg.Bus.Subscribe(events.TopicBlock, a.handleBlock)
	cfg.Bus.Subscribe(events.TopicDrain, a.handleDrain)
	return a, nil
}

// Topics lists the topics the feature consumes, for buffering until it drains.
func Topics() []events.Topic {
	return []events.Topic{
		events.TopicBlock,
		events.TopicError,
		events.TopicInternalError,
		events.TopicAjax,
		events.TopicInteractionDone,
		events.TopicSoftNavFlush,
	}
}

// Name implements harvest.Feature.
func (a *Aggregate) Name() string { return FeatureName }

// Scheduler returns the feature's harvest scheduler.
func (a *Aggregate) Scheduler() *harvest.Scheduler { return a.scheduler }

// Blocked reports whether the collector refused the feature.
func (a *Aggregate) Blocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked
}

// Pending returns how many errors wait for interaction id to end.
func (a *Aggregate) Pending(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[id])
}

func (a *Aggregate) handleError(ev events.Event) {
	p, ok := ev.Payload.(events.ErrorPayload)
	if !ok {
		return
	}
	a.record(p, ev.Topic == events.TopicInternalError)
}

func (a *Aggregate) handleAjax(ev events.Event) {
	if p, ok := ev.Payload.(events.AjaxPayload); ok {
		a.RecordAjax(p.Params, p.Metrics, p.Custom)
	}
}

func (a *Aggregate) handleInteraction(ev events.Event) {
	if p, ok := ev.Payload.(events.InteractionPayload); ok {
		a.OnInteractionDone(p.ID, p.Saved, p.Attrs)
	}
}

func (a *Aggregate) handleBlock(ev events.Event) {
	if p, ok := ev.Payload.(events.BlockPayload); ok && (p.Feature == FeatureName || p.Feature == "") {
		a.Block()
	}
}

func (a *Aggregate) handleDrain(ev events.Event) {
	if p, ok := ev.Payload.(events.DrainPayload); ok && p.Feature == FeatureName {
		a.OnDrain()
	}
}

// OnDrain arms the harvest timer unless the feature is blocked.
func (a *Aggregate) OnDrain() {
	if a.Blocked() {
		return
	}
	if err := a.scheduler.StartTimer(a.cfg.HarvestPeriod, 0); err != nil {
		a.cfg.Logger.Warn().Err(err).Str("feature", FeatureName).Msg("harvest timer not started")
	}
}

// Block stops the feature for the rest of the session. Held data and a retained retry body are
// discarded.
func (a *Aggregate) Block() {
	a.mu.Lock()
	a.blocked = true
	a.pending = make(map[string][]pendingError)
	a.currentBody = nil
	a.mu.Unlock()

	a.scheduler.StopTimer(true)
}

// RecordError records one error observation at time at (relative to the session origin; zero
// means now). Internal errors skip the error filter.
func (a *Aggregate) RecordError(err any, at time.Duration, internal bool, custom map[string]any) {
	a.record(events.ErrorPayload{Err: err, At: at, Custom: custom}, internal)
}

func (a *Aggregate) record(p events.ErrorPayload, internal bool) {
	rt := a.cfg.Runtime
	at := p.At
	if at <= 0 {
		at = rt.Now()
	}

	var group string
	if !internal {
		if filter := rt.ErrorFilter(); filter != nil {
			verdict := a.applyFilter(filter, p.Err)
			if verdict.Group == "" && verdict.Ignore {
				return
			}
			group = verdict.Group
		}
	}

	info := stacktrace.Compute(p.Err)
	stackHash := stacktrace.Hash(stacktrace.Canonical(info))

	params := aggregator.Params{
		"stackHash":      stackHash,
		"exceptionClass": info.Name,
	}
	if uri := p.RequestURI; uri != "" {
		params["request_uri"] = uri
	} else if uri := rt.PageURI(); uri != "" {
		params["request_uri"] = uri
	}
	if info.Message != "" {
		params["message"] = info.Message
	}
	if group != "" {
		params["errorGroup"] = group
	}

	// Exact occurrence identity; the grouping hash above ignores columns.
	hash := stacktrace.Hash(info.Name + "_" + info.Message + "_" + info.StackString)

	a.mu.Lock()
	if !a.stackReported[hash] {
		a.stackReported[hash] = true
		params["stack_trace"] = stacktrace.TruncateSize(info.StackString, config.MaxStackTraceBytes)
		params["firstOccurrenceTimestamp"] = rt.Offset() + at.Milliseconds()
	} else {
		params["browser_stack_hash"] = stacktrace.ShortHash(info.StackString)
	}
	if !a.pageviewReported[stackHash] {
		a.pageviewReported[stackHash] = true
		params["pageview"] = 1
	}
	blocked := a.blocked
	a.mu.Unlock()

	params["releaseIds"] = jsonx.Stringify(rt.ReleaseIDs())
	if rt.Replay() {
		params["hasReplay"] = true
	}

	eventType := TypeError
	if internal {
		eventType = TypeInternalError
	}
	metrics := map[string]float64{"time": millis(at)}

	// Trace and replay hear about every error, even when this feature is blocked.
	for _, topic := range []events.Topic{events.TopicSessionTrace, events.TopicSessionReplay} {
		a.cfg.Bus.Publish(events.Event{Topic: topic, Payload: events.ErrorAggPayload{
			Type:    eventType,
			Hash:    hash,
			Params:  cloneMap(params),
			Metrics: metrics,
			Custom:  p.Custom,
		}})
	}
	if blocked {
		return
	}

	pe := pendingError{eventType: eventType, hash: hash, params: params, metrics: metrics, local: p.Custom}

	ixn, ok := a.resolveInteraction(p.InteractionID, at)
	if !ok {
		a.store(pe, false, "", nil)
		return
	}
	if ixn.Finished {
		a.store(pe, true, ixn.ID, ixn.Attrs)
		return
	}

	// The interaction may have been flushed since it was resolved; hold the error only while
	// its buffer is still going to be drained.
	a.mu.Lock()
	if a.blocked {
		a.mu.Unlock()
		return
	}
	if done, flushed := a.flushed[ixn.ID]; flushed {
		a.mu.Unlock()
		a.store(pe, done.saved, ixn.ID, done.attrs)
		return
	}
	a.pending[ixn.ID] = append(a.pending[ixn.ID], pe)
	a.mu.Unlock()
}

// resolveInteraction finds the interaction an error belongs to: the one it names when the
// tracker can look it up, else the one active at time at.
func (a *Aggregate) resolveInteraction(id string, at time.Duration) (Interaction, bool) {
	ixns := a.cfg.Interactions
	if ixns == nil {
		return Interaction{}, false
	}
	if id != "" {
		a.mu.Lock()
		done, flushed := a.flushed[id]
		a.mu.Unlock()
		if flushed {
			return Interaction{ID: id, Finished: done.saved, Attrs: done.attrs}, done.saved
		}
		if getter, ok := ixns.(InteractionGetter); ok {
			ixn, found := getter.Get(id)
			return ixn, found && ixn.ID != ""
		}
	}
	ixn, ok := ixns.Lookup(at)
	return ixn, ok && ixn.ID != ""
}

// applyFilter runs the user filter. A panicking filter is logged and the error recorded.
func (a *Aggregate) applyFilter(filter runtime.ErrorFilter, err any) (verdict runtime.FilterResult) {
	defer func() {
		if r := recover(); r != nil {
			a.cfg.Logger.Error().Interface("panic", r).Msg("error filter panicked")
			verdict = runtime.FilterResult{}
		}
	}()
	return filter(err)
}

// OnInteractionDone stores every error held for interaction id. Saved interactions attach their
// id and attributes; discarded ones release the errors as if there had been no interaction.
func (a *Aggregate) OnInteractionDone(id string, saved bool, attrs map[string]any) {
	a.mu.Lock()
	if a.blocked {
		a.mu.Unlock()
		return
	}
	held := a.pending[id]
	delete(a.pending, id)
	a.rememberFlushedLocked(id, saved, attrs)
	a.mu.Unlock()

	for _, pe := range held {
		a.store(pe, saved, id, attrs)
	}
}

// rememberFlushedLocked records how interaction id ended. MUST be called with a.mu held.
func (a *Aggregate) rememberFlushedLocked(id string, saved bool, attrs map[string]any) {
	if _, exists := a.flushed[id]; !exists {
		a.flushedOrder = append(a.flushedOrder, id)
	}
	a.flushed[id] = flushedInteraction{saved: saved, attrs: attrs}
	for len(a.flushedOrder) > maxFlushed {
		delete(a.flushed, a.flushedOrder[0])
		a.flushedOrder = a.flushedOrder[1:]
	}
}

// store writes a resolved error. Custom attributes apply in rising precedence: session, then
// interaction (saved only), then the error's own.
func (a *Aggregate) store(pe pendingError, saved bool, ixnID string, ixnAttrs map[string]any) {
	custom := aggregator.Custom{}
	for k, v := range a.cfg.Runtime.Attributes() {
		custom[k] = normalizeAttr(v)
	}

	hash := pe.hash
	if saved {
		for k, v := range ixnAttrs {
			custom[k] = normalizeAttr(v)
		}
		pe.params["browserInteractionId"] = ixnID
		hash += ixnID
	} else {
		delete(pe.params, "browserInteractionId")
	}

	for k, v := range pe.local {
		custom[k] = normalizeAttr(v)
	}

	key := hash + ":" + stacktrace.Hash(jsonx.Stringify(custom))
	a.cfg.Aggregator.Store(pe.eventType, key, pe.params, pe.metrics, custom)
}

// RecordAjax records one outbound request under the feature's xhr type.
func (a *Aggregate) RecordAjax(params map[string]any, metrics map[string]float64, custom map[string]any) {
	if a.Blocked() {
		return
	}

	attrs := make(aggregator.Custom, len(custom))
	for k, v := range custom {
		attrs[k] = normalizeAttr(v)
	}
	key := stacktrace.Hash(jsonx.Stringify(params)) + ":" + stacktrace.Hash(jsonx.Stringify(attrs))
	a.cfg.Aggregator.Store(TypeAjax, key, params, metrics, attrs)
}

// OnHarvestStarted implements harvest.Feature.
func (a *Aggregate) OnHarvestStarted(opts harvest.Options) harvest.Payload {
	body := a.cfg.Aggregator.Take(harvestTypes...)
	payload := harvest.Payload{QS: url.Values{}}

	if ids := a.cfg.Runtime.ReleaseIDs(); len(ids) > 0 {
		payload.QS.Set("ri", jsonx.Stringify(ids))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if opts.Retry {
		a.currentBody = body
	} else {
		a.currentBody = nil
	}

	if len(body) == 0 {
		return payload
	}
	payload.Body = make(map[string]any, len(body))
	for t, buckets := range body {
		payload.Body[t] = buckets
	}

	if len(body[TypeError]) > 0 && !a.errorOnPage {
		payload.QS.Set("pve", "1")
		a.errorOnPage = true
	}
	return payload
}

// OnHarvestFinished implements harvest.Feature. A retryable failure merges the retained body
// back under the keys it was taken from.
func (a *Aggregate) OnHarvestFinished(res harvest.Result) {
	a.mu.Lock()
	body := a.currentBody
	a.currentBody = nil
	a.mu.Unlock()

	if !res.Retry() || body == nil {
		return
	}

	merged := 0
	for eventType, buckets := range body {
		for _, b := range buckets {
			a.cfg.Aggregator.Merge(eventType, b.Key, b.Metrics, b.Params, b.Custom)
			merged++
		}
	}
	a.cfg.Metrics.RecordRetryMerged(FeatureName, merged)
}

// normalizeAttr flattens composite attribute values to their JSON text.
func normalizeAttr(v any) any {
	if v == nil {
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
		return jsonx.Stringify(v)
	default:
		return v
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
