package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/storage"
)

// UsageChecker reports disk usage against a limit
type UsageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Config wires the collector's ingest dependencies. Only Storage is required.
type Config struct {
	Storage     storage.Storage
	Hub         *ErrorHub
	Limiter     *RateLimiter
	Breaker     *gobreaker.CircuitBreaker[struct{}]
	Usage       UsageChecker
	Cardinality *CardinalityTracker
	Metrics     *CollectorMetrics

	// BlockedApps are answered with the block header so their agents stop sending
	BlockedApps []string

	// RetryAfter is advertised on 503 answers
	RetryAfter time.Duration

	Logger zerolog.Logger
}

// Handler handles harvest ingestion and the query API
type Handler struct {
	storage     storage.Storage
	hub         *ErrorHub
	limiter     *RateLimiter
	breaker     *gobreaker.CircuitBreaker[struct{}]
	usage       UsageChecker
	cardinality *CardinalityTracker
	metrics     *CollectorMetrics
	blocked     map[string]bool
	retryAfter  time.Duration
	logger      zerolog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(cfg Config) *Handler {
	if cfg.Cardinality == nil {
		cfg.Cardinality = NewCardinalityTracker()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewStorageBreaker(cfg.Logger)
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = config.DefaultRetryAfter
	}

	blocked := make(map[string]bool, len(cfg.BlockedApps))
	for _, app := range cfg.BlockedApps {
		blocked[app] = true
	}

	return &Handler{
		storage:     cfg.Storage,
		hub:         cfg.Hub,
		limiter:     cfg.Limiter,
		breaker:     cfg.Breaker,
		usage:       cfg.Usage,
		cardinality: cfg.Cardinality,
		metrics:     cfg.Metrics,
		blocked:     blocked,
		retryAfter:  cfg.RetryAfter,
		logger:      cfg.Logger,
	}
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status  string `json:"status"`
	Count   int    `json:"count"`
	Dropped int    `json:"dropped,omitempty"`
}

// IngestEvent is broadcast to live-stream clients after a harvest is stored
type IngestEvent struct {
	Type    string           `json:"type"`
	AppID   string           `json:"app_id"`
	Records []storage.Record `json:"records"`
}

// HandleHarvest handles POST /{feature}/1/{appID}
//
// Status codes tell the agent what to do with its data:
//   - 202: stored
//   - 403 + block header: stop sending for the session
//   - 429, 503 + Retry-After: keep the data and retry later
//   - 400, 413: the payload is unusable
func (h *Handler) HandleHarvest(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { h.metrics.RecordRequest(rec.status) }()
	w = rec

	if err := ValidateAppID(appID); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if h.blocked[appID] {
		w.Header().Set(config.BlockHeader, "1")
		httpx.RespondErrorString(w, http.StatusForbidden, "app is blocked")
		return
	}

	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(appID); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			httpx.RespondErrorString(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if h.usage != nil {
		usage, err := h.usage.GetUsage()
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to check storage usage")
		} else if limit := h.usage.GetLimit(); limit > 0 && usage >= limit {
			h.logger.Warn().
				Int64("usage_bytes", usage).
				Int64("limit_bytes", limit).
				Msg("storage limit reached, refusing harvest")
			w.Header().Set("Retry-After", retryAfterSeconds(h.retryAfter))
			httpx.RespondErrorString(w, http.StatusServiceUnavailable, "storage limit reached")
			return
		}
	}

	body, err := readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errBodyTooLarge) {
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body too large (max %d bytes)", config.MaxRequestBytes))
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if err := ValidatePayload(payload); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	records, reserved, dropped := h.buildRecords(appID, r.URL.Query().Get("s"), payload)
	h.metrics.RecordDropped(DropCardinality, dropped)

	if len(records) > 0 {
		if err := h.write(r.Context(), records); err != nil {
			for _, hash := range reserved {
				h.cardinality.Release(appID, hash)
			}
			h.metrics.RecordDropped(DropStorage, len(records))
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				w.Header().Set("Retry-After", retryAfterSeconds(h.retryAfter))
				httpx.RespondErrorString(w, http.StatusServiceUnavailable, "storage unavailable")
				return
			}
			h.logger.Error().Err(err).Str("app_id", appID).Int("records", len(records)).Msg("failed to store harvest")
			httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to store harvest: %w", err))
			return
		}

		for _, record := range records {
			if record.Type != "xhr" {
				h.cardinality.Record(record.AppID, stackHashOf(record))
			}
		}
		for eventType, n := range countByType(records) {
			h.metrics.RecordIngested(eventType, n)
		}
		if h.hub != nil {
			if err := h.hub.Broadcast(IngestEvent{Type: "harvest", AppID: appID, Records: records}); err != nil {
				h.logger.Warn().Err(err).Msg("failed to broadcast harvest")
			}
		}
	}

	h.logger.Debug().
		Str("app_id", appID).
		Int("records", len(records)).
		Int("dropped", dropped).
		Msg("harvest accepted")

	httpx.RespondJSON(w, http.StatusAccepted, IngestResponse{
		Status:  "accepted",
		Count:   len(records),
		Dropped: dropped,
	})
}

// buildRecords flattens a payload into records, dropping error buckets of groups over the
// cardinality limit. New groups are reserved as they are accepted; reserved lists their hashes.
func (h *Handler) buildRecords(appID, session string, payload Payload) (records []storage.Record, reserved []string, dropped int) {
	now := time.Now()

	for eventType, buckets := range payload {
		for _, b := range buckets {
			r := storage.Record{
				AppID:    appID,
				Session:  session,
				Type:     eventType,
				Received: now,
				Params:   b.Params,
				Metrics:  b.Metrics,
				Custom:   b.Custom,
			}
			if eventType != "xhr" {
				hash := stackHashOf(r)
				isNew, err := h.cardinality.Reserve(appID, hash)
				if err != nil {
					dropped++
					continue
				}
				if isNew {
					reserved = append(reserved, hash)
				}
			}
			records = append(records, r)
		}
	}
	return records, reserved, dropped
}

// write stores records through the breaker
// CRITICAL: bounded by CollectorWriteTimeout so a stuck store can't pin request goroutines
func (h *Handler) write(ctx context.Context, records []storage.Record) error {
	ctx, cancel := context.WithTimeout(ctx, config.CollectorWriteTimeout)
	defer cancel()

	start := time.Now()
	_, err := h.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, h.storage.Write(ctx, records)
	})
	h.metrics.ObserveWrite(time.Since(start))
	return err
}

var errBodyTooLarge = errors.New("decompressed body too large")

// readBody reads the request body, inflating it when the agent gzipped it
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBytes))
	if err != nil {
		return nil, err
	}
	if r.Header.Get("Content-Encoding") != "gzip" {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(io.LimitReader(zr, config.MaxRequestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	if len(body) > config.MaxRequestBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func stackHashOf(r storage.Record) string {
	if s, ok := r.Params["stackHash"].(string); ok {
		return s
	}
	return fmt.Sprint(r.Params["stackHash"])
}

func countByType(records []storage.Record) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Type]++
	}
	return counts
}

// retryAfterSeconds formats a wait as whole seconds, at least 1
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
