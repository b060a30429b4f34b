package httpx

import (
	"net/http"
	"strconv"
	"time"
)

// RoundTripper records every outbound request as an ajax event. Requests to the agent's own
// collector should use a separate client.
type RoundTripper struct {
	Agent Agent

	// Base performs the request. Default: http.DefaultTransport.
	Base http.RoundTripper
}

// NewClient returns a client whose requests are recorded by a.
func NewClient(a Agent, base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = &RoundTripper{Agent: a, Base: c.Transport}
	return c
}

// RoundTrip implements http.RoundTripper.
func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	duration := time.Since(start)

	status := 0
	var rxSize float64
	if resp != nil {
		status = resp.StatusCode
		if resp.ContentLength > 0 {
			rxSize = float64(resp.ContentLength)
		}
	}
	var txSize float64
	if req.ContentLength > 0 {
		txSize = float64(req.ContentLength)
	}

	t.Agent.RecordAjax(map[string]any{
		"method":   req.Method,
		"host":     req.URL.Scheme + "://" + req.URL.Host,
		"pathname": normalizePath(req.URL.Path),
		"status":   strconv.Itoa(status),
	}, map[string]float64{
		"duration": float64(duration) / float64(time.Millisecond),
		"txSize":   txSize,
		"rxSize":   rxSize,
	}, nil)

	return resp, err
}
