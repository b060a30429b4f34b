package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// startTrafficSimulator calls the shop through client until ctx ends. client is instrumented, so
// every call is also recorded as an ajax event.
func startTrafficSimulator(ctx context.Context, client *http.Client, baseURL string) {
	// Give server a moment to fully start
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	calls := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/users"},
		{http.MethodGet, "/api/orders/1"},
		{http.MethodGet, "/api/orders/42"},
		{http.MethodPost, "/api/checkout"},
	}
	log.Info().Msg("traffic simulator started")

	reqCount := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("traffic simulator stopped")
			return
		case <-ticker.C:
			reqCount++
			call := calls[reqCount%len(calls)]

			go func(method, path string, count int) {
				req, err := http.NewRequestWithContext(ctx, method, baseURL+path, strings.NewReader("{}"))
				if err != nil {
					return
				}
				resp, err := client.Do(req)
				if err != nil {
					log.Debug().Err(err).Str("path", path).Msg("simulated request failed")
					return
				}
				resp.Body.Close()
				log.Debug().
					Int("request", count).
					Str("path", path).
					Int("status", resp.StatusCode).
					Msg("simulated request")
			}(call.method, call.path, reqCount)
		}
	}
}
