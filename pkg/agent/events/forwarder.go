package events

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/agent/internal/jsonx"
)

// Forwarder republishes session trace and session replay events as JSON watermill messages,
// so a replay or trace recorder can consume errorAgg records out of process.
type Forwarder struct {
	publisher message.Publisher
	sessionID string
	logger    zerolog.Logger
}

// NewForwarder subscribes a forwarder to bus. Messages are published on the topic names
// "sessionTrace" and "sessionReplay".
func NewForwarder(bus *Bus, publisher message.Publisher, sessionID string, logger zerolog.Logger) *Forwarder {
	f := &Forwarder{
		publisher: publisher,
		sessionID: sessionID,
		logger:    logger,
	}
	bus.Subscribe(TopicSessionTrace, f.forward)
	bus.Subscribe(TopicSessionReplay, f.forward)
	return f
}

func (f *Forwarder) forward(ev Event) {
	if err := f.Forward(ev); err != nil {
		f.logger.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("forward failed")
	}
}

// Forward encodes ev and publishes it.
func (f *Forwarder) Forward(ev Event) error {
	data, err := jsonx.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("session", f.sessionID)

	if err := f.publisher.Publish(string(ev.Topic), msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Topic, err)
	}
	return nil
}
