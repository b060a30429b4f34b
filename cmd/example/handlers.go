package main

import (
	"context"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var activeRequests int64

// Noticer is the part of the agent handlers report to.
type Noticer interface {
	NoticeErrorContext(ctx context.Context, err any, custom map[string]any)
	NoticeRequestError(ctx context.Context, err any, requestURI string, custom map[string]any)
}

// setupHandlers configures all HTTP handlers
func setupHandlers(router *mux.Router, a Noticer, collectorURL, appID string) {
	// Endpoints return mock data; the errors and timings the agent reports are real.
	router.HandleFunc("/api/users", handleUsers(a)).Methods(http.MethodGet)
	router.HandleFunc("/api/orders/{id}", handleOrder(a)).Methods(http.MethodGet)
	router.HandleFunc("/api/checkout", handleCheckout()).Methods(http.MethodPost)

	router.HandleFunc("/health", handleHealth()).Methods(http.MethodGet)

	// Stats API - reads the error groups the collector built from this app's harvests
	router.HandleFunc("/api/stats", handleStats(collectorURL, appID)).Methods(http.MethodGet)
}

// handleUsers fails rarely and reports the failure as a handled error
func handleUsers(a Noticer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&activeRequests, 1)
		defer atomic.AddInt64(&activeRequests, -1)

		latency := time.Duration(50+rand.Intn(50)) * time.Millisecond
		time.Sleep(latency)

		if rand.Float32() < 0.05 {
			err := errors.New("user directory unavailable")
			a.NoticeRequestError(r.Context(), err, r.URL.Path, map[string]any{"latency_ms": latency.Milliseconds()})
			log.Warn().Err(err).Dur("latency", latency).Msg("/api/users failed")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"users": [{"id": 1, "name": "Alice"}, {"id": 2, "name": "Bob"}]}`))
	}
}

// handleOrder rejects ids it does not know. The error is noticed inside the request's
// interaction and picks up its route.
func handleOrder(a Noticer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&activeRequests, 1)
		defer atomic.AddInt64(&activeRequests, -1)

		id := mux.Vars(r)["id"]
		time.Sleep(time.Duration(80+rand.Intn(40)) * time.Millisecond)

		if id != "1" && id != "2" {
			a.NoticeErrorContext(r.Context(), errors.Errorf("order %s not found", id), map[string]any{"order_id": id})
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": ` + id + `, "total": 99.99}`))
	}
}

// handleCheckout panics now and then; the middleware reports the panic and answers 500
func handleCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&activeRequests, 1)
		defer atomic.AddInt64(&activeRequests, -1)

		time.Sleep(time.Duration(30+rand.Intn(30)) * time.Millisecond)

		if rand.Float32() < 0.1 {
			var cart map[string]int
			cart["items"]++ // nil map write
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status": "confirmed"}`))
	}
}

// handleHealth handles /health endpoint
func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy", "uptime": "` + time.Since(startTime).Round(time.Second).String() + `"}`))
	}
}
