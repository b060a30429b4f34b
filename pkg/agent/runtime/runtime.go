// Package runtime holds the per-session state shared by the agent's features: session identity,
// time origin, release ids, session-level custom attributes and the error filter.
package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FilterResult is the verdict of an error filter.
type FilterResult struct {
	// Ignore suppresses the error unless Group is set.
	Ignore bool
	// Group records the error under params.errorGroup.
	Group string
}

// ErrorFilter inspects an error before it is recorded.
type ErrorFilter func(err any) FilterResult

// Runtime is safe for concurrent use. Features read it; only the agent's API writes it.
type Runtime struct {
	sessionID string
	origin    time.Time

	mu         sync.RWMutex
	releaseIDs map[string]string
	attrs      map[string]any
	replay     bool
	pageURI    string
	onError    ErrorFilter
}

// New starts a session with a fresh id and the time origin set to now.
func New() *Runtime {
	return &Runtime{
		sessionID:  uuid.NewString(),
		origin:     time.Now(),
		releaseIDs: make(map[string]string),
		attrs:      make(map[string]any),
	}
}

// SessionID returns the session identifier.
func (r *Runtime) SessionID() string { return r.sessionID }

// Origin returns the wall-clock time the session started.
func (r *Runtime) Origin() time.Time { return r.origin }

// Offset returns the time origin as Unix milliseconds. Adding a relative time gives wall time.
func (r *Runtime) Offset() int64 { return r.origin.UnixMilli() }

// Now returns the time elapsed since the origin, on the monotonic clock.
func (r *Runtime) Now() time.Duration { return time.Since(r.origin) }

// SetReleaseID records the version of a named component.
func (r *Runtime) SetReleaseID(name, id string) {
	r.mu.Lock()
	r.releaseIDs[name] = id
	r.mu.Unlock()
}

// ReleaseIDs returns a copy of the release ids.
func (r *Runtime) ReleaseIDs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.releaseIDs))
	for k, v := range r.releaseIDs {
		out[k] = v
	}
	return out
}

// SetAttribute sets a session-level custom attribute. A nil value removes it.
func (r *Runtime) SetAttribute(key string, value any) {
	r.mu.Lock()
	if value == nil {
		delete(r.attrs, key)
	} else {
		r.attrs[key] = value
	}
	r.mu.Unlock()
}

// Attributes returns a copy of the session-level custom attributes.
func (r *Runtime) Attributes() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.attrs))
	for k, v := range r.attrs {
		out[k] = v
	}
	return out
}

// SetReplay marks whether a session replay is recording.
func (r *Runtime) SetReplay(on bool) {
	r.mu.Lock()
	r.replay = on
	r.mu.Unlock()
}

// Replay reports whether a session replay is recording.
func (r *Runtime) Replay() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replay
}

// SetPageURI sets the default request_uri for errors that carry none.
func (r *Runtime) SetPageURI(uri string) {
	r.mu.Lock()
	r.pageURI = uri
	r.mu.Unlock()
}

// PageURI returns the default request_uri.
func (r *Runtime) PageURI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pageURI
}

// SetErrorFilter installs f. Nil removes the filter.
func (r *Runtime) SetErrorFilter(f ErrorFilter) {
	r.mu.Lock()
	r.onError = f
	r.mu.Unlock()
}

// ErrorFilter returns the installed filter, or nil.
func (r *Runtime) ErrorFilter() ErrorFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onError
}
