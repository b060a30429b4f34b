package jserrors

import (
	"context"
	"sync"
	"time"
)

// Interaction is the application transaction an error happened in.
type Interaction struct {
	ID string
	// Finished is set once the interaction completed and was kept. Errors for a finished
	// interaction are stored right away with its attributes; errors for an open one wait.
	Finished bool
	Attrs    map[string]any
}

// Interactions resolves the interaction active at a point in time.
type Interactions interface {
	Lookup(at time.Duration) (Interaction, bool)
}

// InteractionGetter is implemented by Interactions that can resolve an interaction by id.
// Errors that name their interaction are attributed through it instead of by time, so
// overlapping interactions never capture each other's errors.
type InteractionGetter interface {
	Get(id string) (Interaction, bool)
}

type interactionKey struct{}

// WithInteraction returns a copy of ctx carrying interaction id.
func WithInteraction(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interactionKey{}, id)
}

// InteractionFromContext returns the interaction id carried by ctx, or "".
func InteractionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(interactionKey{}).(string)
	return id
}

// maxFinished bounds how many completed interactions the tracker remembers.
const maxFinished = 64

type span struct {
	id       string
	start    time.Duration
	end      time.Duration
	open     bool
	finished bool
	attrs    map[string]any
}

// Tracker is an Interactions implementation fed by Begin and End calls.
type Tracker struct {
	mu    sync.Mutex
	spans []*span
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin opens interaction id at time at. Beginning an id twice is a no-op.
func (t *Tracker) Begin(id string, at time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.spans {
		if s.id == id {
			return
		}
	}
	t.spans = append(t.spans, &span{id: id, start: at, open: true})
}

// End closes interaction id. Discarded interactions are forgotten; finished ones are kept so
// late errors inside their window can still be attributed.
func (t *Tracker) End(id string, at time.Duration, finished bool, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.spans[:0]
	closed := 0
	for _, s := range t.spans {
		if s.id == id {
			if !finished {
				continue
			}
			s.open, s.end, s.finished, s.attrs = false, at, true, attrs
		}
		if !s.open {
			closed++
		}
		kept = append(kept, s)
	}
	t.spans = kept

	// Drop the oldest closed spans past the bound.
	for closed > maxFinished {
		for i, s := range t.spans {
			if !s.open {
				t.spans = append(t.spans[:i], t.spans[i+1:]...)
				closed--
				break
			}
		}
	}
}

// Lookup returns the most recently started interaction whose window contains at.
func (t *Tracker) Lookup(at time.Duration) (Interaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.spans) - 1; i >= 0; i-- {
		s := t.spans[i]
		if at < s.start || (!s.open && at > s.end) {
			continue
		}
		return Interaction{ID: s.id, Finished: s.finished, Attrs: s.attrs}, true
	}
	return Interaction{}, false
}

// Get returns interaction id. Discarded interactions are unknown.
func (t *Tracker) Get(id string) (Interaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.spans {
		if s.id == id {
			return Interaction{ID: s.id, Finished: s.finished, Attrs: s.attrs}, true
		}
	}
	return Interaction{}, false
}
