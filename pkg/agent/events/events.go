// Package events is the agent's internal event bus.
//
// Topics are fixed and each carries one payload type. Instrumentation publishes, features
// subscribe. A topic can be put in buffering mode before its consumer is ready; Drain replays
// the buffered events in publish order and switches the topic to direct dispatch.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topic names one stream of events.
type Topic string

const (
	TopicError           Topic = "err"
	TopicInternalError   Topic = "ierr"
	TopicAjax            Topic = "xhr"
	TopicDrain           Topic = "drain"
	TopicBlock           Topic = "block"
	TopicInteractionDone Topic = "interactionDone"
	TopicSoftNavFlush    Topic = "softNavFlush"
	TopicSessionTrace    Topic = "sessionTrace"
	TopicSessionReplay   Topic = "sessionReplay"
)

// ErrorPayload is published on TopicError and TopicInternalError.
type ErrorPayload struct {
	// Err is the raw observation: an error, a *stacktrace.Exception, a string or anything else.
	Err any
	// At is the time of the observation relative to the agent's time origin.
	At     time.Duration
	Custom map[string]any
	// RequestURI overrides the session's page URI for this error.
	RequestURI string
	// InteractionID names the interaction the error belongs to. Empty means the interaction
	// is resolved by time.
	InteractionID string
}

// AjaxPayload is published on TopicAjax.
type AjaxPayload struct {
	Params  map[string]any
	Metrics map[string]float64
	Custom  map[string]any
}

// InteractionPayload is published on TopicInteractionDone and TopicSoftNavFlush.
type InteractionPayload struct {
	ID string
	// Saved is true when the interaction was kept (InteractionDone) or finished (SoftNavFlush).
	Saved bool
	Attrs map[string]any
}

// BlockPayload is published on TopicBlock.
type BlockPayload struct {
	Feature string
}

// DrainPayload is published on TopicDrain.
type DrainPayload struct {
	Feature string
}

// ErrorAggPayload is the errorAgg record sent to session trace and session replay.
type ErrorAggPayload struct {
	Type    string             `json:"type"`
	Hash    string             `json:"hash"`
	Params  map[string]any     `json:"params"`
	Metrics map[string]float64 `json:"metrics"`
	Custom  map[string]any     `json:"custom,omitempty"`
}

// Event is one published item.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler consumes events of one topic.
type Handler func(Event)

// Bus dispatches events synchronously in subscription order.
type Bus struct {
	logger zerolog.Logger

	mu        sync.Mutex
	handlers  map[Topic][]Handler
	buffering map[Topic][]Event
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:    logger,
		handlers:  make(map[Topic][]Handler),
		buffering: make(map[Topic][]Event),
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

// Buffer holds events of the given topics until Drain is called for them.
func (b *Bus) Buffer(topics ...Topic) {
	b.mu.Lock()
	for _, t := range topics {
		if _, ok := b.buffering[t]; !ok {
			b.buffering[t] = []Event{}
		}
	}
	b.mu.Unlock()
}

// Publish delivers ev to every handler of its topic, or queues it while the topic buffers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if buf, ok := b.buffering[ev.Topic]; ok {
		b.buffering[ev.Topic] = append(buf, ev)
		b.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), b.handlers[ev.Topic]...)
	b.mu.Unlock()

	b.dispatch(ev, handlers)
}

// Drain replays buffered events of topic in publish order and stops buffering it.
// Events published while the replay runs are queued behind it.
func (b *Bus) Drain(topic Topic) {
	for {
		b.mu.Lock()
		pending, ok := b.buffering[topic]
		if !ok {
			b.mu.Unlock()
			return
		}
		if len(pending) == 0 {
			delete(b.buffering, topic)
			b.mu.Unlock()
			return
		}
		b.buffering[topic] = []Event{}
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.Unlock()

		for _, ev := range pending {
			b.dispatch(ev, handlers)
		}
	}
}

// Buffered reports how many events topic currently holds.
func (b *Bus) Buffered(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffering[topic])
}

func (b *Bus) dispatch(ev Event, handlers []Handler) {
	for _, h := range handlers {
		b.call(ev, h)
	}
}

// call runs one handler. A panicking handler is logged and skipped; the publisher never sees it.
func (b *Bus) call(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", string(ev.Topic)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
