package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nicktill/tinyrum/pkg/config"
)

// HTTPConfig configures HTTPCapabilities.
type HTTPConfig struct {
	// Client is used for every request. Default: a client with config.DefaultRequestTimeout.
	Client *http.Client

	// KeepAliveTimeout bounds keep-alive and beacon sends once detached from the caller.
	// Default: config.DefaultRequestTimeout.
	KeepAliveTimeout time.Duration

	// MaxKeepAliveBytes caps keep-alive and beacon bodies. Default: config.MaxBeaconBytes.
	MaxKeepAliveBytes int

	Env Environment
}

// HTTPCapabilities implements Capabilities over net/http.
type HTTPCapabilities struct {
	client           *http.Client
	keepAliveTimeout time.Duration
	maxKeepAlive     int
	env              Environment

	detached sync.WaitGroup
}

// NewHTTP creates the net/http capability set.
func NewHTTP(cfg HTTPConfig) *HTTPCapabilities {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: config.DefaultRequestTimeout}
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = config.DefaultRequestTimeout
	}
	if cfg.MaxKeepAliveBytes <= 0 {
		cfg.MaxKeepAliveBytes = config.MaxBeaconBytes
	}
	return &HTTPCapabilities{
		client:           cfg.Client,
		keepAliveTimeout: cfg.KeepAliveTimeout,
		maxKeepAlive:     cfg.MaxKeepAliveBytes,
		env:              cfg.Env,
	}
}

// Env returns the mechanisms this capability set was configured with.
func (h *HTTPCapabilities) Env() Environment { return h.env }

// XHR posts req. A synchronous call completes before XHR returns.
func (h *HTTPCapabilities) XHR(ctx context.Context, req Request, sync bool) (*Call, error) {
	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	call := newCall()
	if sync {
		call.complete(h.do(httpReq))
		return call, nil
	}
	go func() {
		call.complete(h.do(httpReq))
	}()
	return call, nil
}

// FetchKeepAlive posts req on a context detached from ctx's cancellation, so the send survives
// the caller tearing down.
func (h *HTTPCapabilities) FetchKeepAlive(ctx context.Context, req Request) (*Call, error) {
	if !h.env.SupportsFetchKeepAlive {
		return nil, ErrUnsupported
	}
	if len(req.Body) > h.maxKeepAlive {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(req.Body))
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.keepAliveTimeout)
	httpReq, err := newHTTPRequest(dctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	call := newCall()
	h.detached.Add(1)
	go func() {
		defer h.detached.Done()
		defer cancel()
		call.complete(h.do(httpReq))
	}()
	return call, nil
}

// Beacon queues req and reports whether it was accepted. The response is never observed.
func (h *HTTPCapabilities) Beacon(req Request) bool {
	if !h.env.SupportsBeacon || len(req.Body) > h.maxKeepAlive {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.keepAliveTimeout)
	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		cancel()
		return false
	}

	h.detached.Add(1)
	go func() {
		defer h.detached.Done()
		defer cancel()
		h.do(httpReq)
	}()
	return true
}

// Wait blocks until detached keep-alive and beacon sends finish or ctx ends.
func (h *HTTPCapabilities) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.detached.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func (h *HTTPCapabilities) do(req *http.Request) Response {
	resp, err := h.client.Do(req)
	if err != nil {
		return Response{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Response{Status: resp.StatusCode, Header: resp.Header}
}
