package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/agent/harvest"
	"github.com/nicktill/tinyrum/pkg/agent/internal/jsonx"
	"github.com/nicktill/tinyrum/pkg/agent/supportability"
	"github.com/nicktill/tinyrum/pkg/config"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Endpoint   string
	AppID      string
	LicenseKey string

	Caps Capabilities
	Env  Environment

	// GzipThreshold compresses bodies of at least this many bytes. Negative disables gzip.
	// Default: config.DefaultGzipThreshold.
	GzipThreshold int

	// Query returns the agent-wide query parameters added to every request.
	Query func() url.Values

	Metrics *supportability.Metrics
	Logger  zerolog.Logger
}

// Sender encodes harvest requests and submits them. It implements harvest.Sender.
type Sender struct {
	cfg SenderConfig
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Caps == nil {
		return nil, fmt.Errorf("transport: capabilities required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = config.DefaultEndpoint
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.GzipThreshold == 0 {
		cfg.GzipThreshold = config.DefaultGzipThreshold
	}
	return &Sender{cfg: cfg}, nil
}

// Send implements harvest.Sender. Final requests return once the send has started.
func (s *Sender) Send(ctx context.Context, req harvest.Request) harvest.Result {
	body, err := jsonx.Marshal(req.Payload.Body)
	if err != nil {
		return harvest.Result{Outcome: harvest.Dropped, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}
	size := len(body)

	httpReq, err := s.build(req, body)
	if err != nil {
		return harvest.Result{Outcome: harvest.Dropped, Bytes: size, Err: err}
	}

	sub, err := Submit(ctx, s.cfg.Caps, s.cfg.Env, httpReq, req.Final)
	if sub.FellBack {
		s.cfg.Metrics.RecordFallback(sub.Chosen.String())
		s.cfg.Logger.Debug().
			Str("feature", req.Feature).
			Str("method", sub.Chosen.String()).
			Msg("send method unavailable, fell back to xhr")
	}
	if err != nil {
		return harvest.Result{Outcome: harvest.Retry, Method: sub.Method.String(), Bytes: size, Err: err}
	}

	if req.Final || sub.Call == nil {
		return harvest.Result{Outcome: harvest.Sent, Method: sub.Method.String(), Bytes: size}
	}

	res := Classify(sub.Call.Wait(ctx))
	res.Method = sub.Method.String()
	res.Bytes = size
	return res
}

// build turns an encoded body into a transport request: /{feature}/1/{appID}?{query}.
func (s *Sender) build(req harvest.Request, body []byte) (Request, error) {
	qs := url.Values{}
	if s.cfg.Query != nil {
		for k, vs := range s.cfg.Query() {
			qs[k] = vs
		}
	}
	for k, vs := range req.Payload.QS {
		qs[k] = vs
	}

	u := strings.TrimRight(s.cfg.Endpoint, "/") + "/" + req.Feature + "/1/" + url.PathEscape(s.cfg.AppID)
	if len(qs) > 0 {
		u += "?" + qs.Encode()
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if s.cfg.LicenseKey != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.LicenseKey)
	}

	if s.cfg.GzipThreshold > 0 && len(body) >= s.cfg.GzipThreshold {
		compressed, err := gzipBytes(body)
		if err != nil {
			return Request{}, err
		}
		body = compressed
		headers.Set("Content-Encoding", "gzip")
	}

	return Request{URL: u, Body: body, Headers: headers}, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}
