// Package httpx instruments net/http servers and clients for the agent.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"

	"github.com/nicktill/tinyrum/pkg/agent/jserrors"
	"github.com/nicktill/tinyrum/pkg/agent/stacktrace"
)

// Agent is the part of the agent the instrumentation reports to.
type Agent interface {
	BeginInteraction(id string)
	InteractionDone(id string, saved bool, attrs map[string]any)
	NoticeRequestError(ctx context.Context, err any, requestURI string, custom map[string]any)
	RecordAjax(params map[string]any, metrics map[string]float64, custom map[string]any)
}

// Middleware returns HTTP middleware that treats every request as an interaction.
// It:
//   - carries the interaction id in the request context; handlers pass r.Context() when they
//     notice errors so concurrent requests never claim each other's errors
//   - holds errors noticed while the request runs and tags them with the request's route
//   - recovers handler panics, reports them and answers 500
//   - discards the interaction when the request failed with a 5xx, which releases its held
//     errors without the interaction attributes
//
// Usage:
//
//	a, _ := agent.New(agent.Config{...})
//	a.Start(ctx)
//	defer a.Shutdown(ctx)
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	handler := httpx.Middleware(a)(mux)
//	http.ListenAndServe(":8080", handler)
func Middleware(a Agent) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			route := normalizePath(r.URL.Path)
			a.BeginInteraction(id)
			r = r.WithContext(jserrors.WithInteraction(r.Context(), id))

			// Wrap ResponseWriter to capture status code
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
						a.InteractionDone(id, false, nil)
						panic(rec)
					}
					a.NoticeRequestError(r.Context(), &stacktrace.Exception{
						Name:    "panic",
						Message: fmt.Sprint(rec),
						Stack:   string(debug.Stack()),
					}, route, map[string]any{"method": r.Method})
					if !rw.wroteHeader {
						rw.WriteHeader(http.StatusInternalServerError)
					} else {
						rw.statusCode = http.StatusInternalServerError
					}
				}

				a.InteractionDone(id, rw.statusCode < http.StatusInternalServerError, map[string]any{
					"method": r.Method,
					"route":  route,
					"status": strconv.Itoa(rw.statusCode),
				})
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

var (
	numericID = regexp.MustCompile(`/\d+\b`)
	uuidID    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// normalizePath replaces ids in a path so errors from one route share a request_uri.
// Examples:
//   - /api/users/123 → /api/users/{id}
//   - /posts/456/comments → /posts/{id}/comments
func normalizePath(path string) string {
	path = uuidID.ReplaceAllString(path, "/{id}")
	return numericID.ReplaceAllString(path, "/{id}")
}
