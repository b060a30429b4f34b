// Package harvest drives the periodic snapshot-and-send cycle of one feature.
package harvest

import (
	"errors"
	"net/url"
	"time"
)

var (
	// ErrStopped is returned when the scheduler was stopped for good (blocked or shut down).
	ErrStopped = errors.New("harvest: scheduler stopped")

	// ErrInFlight is returned when a harvest is skipped because another send is outstanding.
	ErrInFlight = errors.New("harvest: send already in flight")

	// ErrEmpty is returned when the feature had nothing to send.
	ErrEmpty = errors.New("harvest: nothing to send")
)

// Outcome is the normalized result of one send.
type Outcome int

const (
	// Sent means the collector accepted the payload.
	Sent Outcome = iota
	// Retry means the payload should be restored and sent again on a later tick.
	Retry
	// Blocked means the collector refused the feature for the rest of the session.
	Blocked
	// Dropped means the payload failed in a way a resend cannot fix; it is discarded.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Retry:
		return "retry"
	case Blocked:
		return "blocked"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result is what a Sender reports for one submission, whatever mechanism carried it.
type Result struct {
	Outcome Outcome
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	// Delay is an extra wait before the next tick requested by the collector (Retry-After).
	Delay time.Duration
	// Method is the transport method that carried the request.
	Method string
	// Bytes is the size of the encoded body before compression.
	Bytes int
	Err   error
}

// Retry reports whether retained data should be merged back.
func (r Result) Retry() bool { return r.Outcome == Retry }

// Options describe one harvest run.
type Options struct {
	// Retry asks the feature to retain the taken body until the result is known.
	Retry bool
	// Final marks the teardown harvest.
	Final bool
}

// Payload is one feature's snapshot ready to send.
type Payload struct {
	// Body maps event type to its taken entries. An empty body is never sent.
	Body map[string]any
	// QS holds the feature's query string additions.
	QS url.Values
}

// Empty reports whether the payload has no body.
func (p Payload) Empty() bool { return len(p.Body) == 0 }

// Request is handed to a Sender.
type Request struct {
	Feature string
	Payload Payload
	Final   bool
}
