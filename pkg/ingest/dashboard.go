package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/storage"
)

const (
	// API timeouts
	statsTimeout = 5 * time.Second

	// Query defaults and limits
	defaultQueryWindow = 1 * time.Hour
	maxListLimit       = 5000
	maxQueryWindow     = 90 * 24 * time.Hour // 90 days max
)

// RecordsResponse returns stored buckets, oldest first
type RecordsResponse struct {
	Records []storage.Record `json:"records"`
	Count   int              `json:"count"`
}

// ErrorGroup sums every bucket sharing a stack hash
type ErrorGroup struct {
	StackHash      string    `json:"stack_hash"`
	ExceptionClass string    `json:"exception_class,omitempty"`
	Message        string    `json:"message,omitempty"`
	Count          int64     `json:"count"`
	Sessions       int       `json:"sessions"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// GroupsResponse returns error groups, most frequent first
type GroupsResponse struct {
	Groups []ErrorGroup `json:"groups"`
	Count  int          `json:"count"`
}

// StatsResponse combines storage and cardinality statistics
type StatsResponse struct {
	Storage     *storage.Stats   `json:"storage"`
	Cardinality CardinalityStats `json:"cardinality"`
}

// queryWindow parses start, end, app and type query params shared by the read endpoints
func queryWindow(r *http.Request) (storage.QueryRequest, error) {
	query := r.URL.Query()

	end := parseTimeParam(query.Get("end"), time.Now())
	start := parseTimeParam(query.Get("start"), end.Add(-defaultQueryWindow))
	if since := query.Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil || d <= 0 {
			return storage.QueryRequest{}, fmt.Errorf("invalid since: %q", since)
		}
		start = end.Add(-d)
	}

	if end.Before(start) {
		return storage.QueryRequest{}, fmt.Errorf("end must be after start")
	}
	if end.Sub(start) > maxQueryWindow {
		return storage.QueryRequest{}, fmt.Errorf("query window too large (max 90 days)")
	}

	return storage.QueryRequest{
		Start: start,
		End:   end,
		AppID: query.Get("app"),
		Type:  query.Get("type"),
	}, nil
}

// HandleErrors handles GET /v1/errors
// Query params:
//   - app: app id filter (optional)
//   - type: err, ierr or xhr (optional)
//   - start, end: RFC3339 timestamps (default: last hour)
//   - since: duration back from end, overrides start
//   - limit: max records (default 500)
func (h *Handler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	req, err := queryWindow(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type != "" && !knownTypes[req.Type] {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ErrUnknownType, req.Type))
		return
	}

	req.Limit = config.DefaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %q is not an integer", l))
			return
		}
		if parsed <= 0 || parsed > maxListLimit {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		req.Limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.CollectorQueryTimeout)
	defer cancel()

	records, err := h.storage.Query(ctx, req)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}
	if records == nil {
		records = []storage.Record{}
	}

	w.Header().Set("Cache-Control", "no-cache")
	httpx.RespondJSON(w, http.StatusOK, RecordsResponse{Records: records, Count: len(records)})
}

// HandleGroups handles GET /v1/errors/groups
// Takes the same params as HandleErrors except limit and type.
func (h *Handler) HandleGroups(w http.ResponseWriter, r *http.Request) {
	req, err := queryWindow(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.CollectorQueryTimeout)
	defer cancel()

	records, err := h.storage.Query(ctx, req)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	groups := buildGroups(records)
	w.Header().Set("Cache-Control", "no-cache")
	httpx.RespondJSON(w, http.StatusOK, GroupsResponse{Groups: groups, Count: len(groups)})
}

// HandleStats handles GET /v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := h.storage.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("stats failed: %w", err))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Storage:     stats,
		Cardinality: h.cardinality.Stats(),
	})
}

// buildGroups folds err and ierr records into groups keyed by stack hash. The message and
// class come from the first bucket that carries them.
func buildGroups(records []storage.Record) []ErrorGroup {
	groups := make(map[string]*ErrorGroup)
	sessions := make(map[string]map[string]bool)

	for _, r := range records {
		if r.Type == "xhr" {
			continue
		}
		hash := stackHashOf(r)

		g, exists := groups[hash]
		if !exists {
			g = &ErrorGroup{StackHash: hash, FirstSeen: r.Received}
			groups[hash] = g
			sessions[hash] = make(map[string]bool)
		}
		if g.ExceptionClass == "" {
			g.ExceptionClass, _ = r.Params["exceptionClass"].(string)
		}
		if g.Message == "" {
			g.Message, _ = r.Params["message"].(string)
		}

		g.Count += occurrences(r)
		if r.Received.Before(g.FirstSeen) {
			g.FirstSeen = r.Received
		}
		if r.Received.After(g.LastSeen) {
			g.LastSeen = r.Received
		}
		if r.Session != "" {
			sessions[hash][r.Session] = true
		}
	}

	result := make([]ErrorGroup, 0, len(groups))
	for hash, g := range groups {
		g.Sessions = len(sessions[hash])
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].StackHash < result[j].StackHash
	})
	return result
}

// occurrences returns how many times a bucket was observed. Every bucket carries at least one
// metric and each metric counts every observation.
func occurrences(r storage.Record) int64 {
	var n int64
	for _, m := range r.Metrics {
		if m.Count > n {
			n = m.Count
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// parseTimeParam parses a time parameter or returns default
func parseTimeParam(param string, defaultTime time.Time) time.Time {
	if param == "" {
		return defaultTime
	}

	// Try RFC3339 format
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t
	}

	// Try unix milliseconds
	if ms, err := strconv.ParseInt(param, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}

	// Return default if parsing fails
	return defaultTime
}
