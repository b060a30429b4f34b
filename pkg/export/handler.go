package export

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/httpx"
	"github.com/nicktill/tinyrum/pkg/ingest"
)

const (
	// DefaultExportWindow is the default time range for exports (last 24 hours)
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow is the maximum allowed export time range (30 days)
	MaxExportWindow = 30 * 24 * time.Hour

	// MaxImportBytes caps the size of an uploaded backup
	MaxImportBytes = 256 << 20
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   zerolog.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(exporter *Exporter, importer *Importer, logger zerolog.Logger) *Handler {
	return &Handler{
		exporter: exporter,
		importer: importer,
		logger:   logger,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h ago)
//   - end: RFC3339 timestamp (default: now)
//   - app: app id filter (optional)
//   - type: event type filter (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	end := parseTimeParam(query.Get("end"), time.Now())
	start := parseTimeParam(query.Get("start"), end.Add(-DefaultExportWindow))

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Start:  start,
		End:    end,
		AppID:  query.Get("app"),
		Type:   query.Get("type"),
		Format: format,
	}
	if opts.Type != "" && !ingest.KnownType(opts.Type) {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ingest.ErrUnknownType, opts.Type))
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinyrum-export-%s.%s", timestamp, format))

	var result *ExportResult
	var err error
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the client sees a truncated file
		h.logger.Error().Err(err).Str("format", format).Msg("export failed")
		return
	}

	h.logger.Info().
		Int("records", result.RecordsExported).
		Str("format", format).
		Str("range", result.TimeRange).
		Msg("export complete")
}

// HandleImport handles POST /v1/import
// Accepts JSON backup files and imports records into storage
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), http.MaxBytesReader(w, r.Body, MaxImportBytes))
	if err != nil {
		h.logger.Error().Err(err).Msg("import failed")
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidBackup) {
			status = http.StatusBadRequest
		}
		httpx.RespondError(w, status, fmt.Errorf("import failed: %w", err))
		return
	}

	if len(result.Errors) > 0 {
		sample := result.Errors
		if len(sample) > 10 {
			sample = sample[:10]
		}
		h.logger.Warn().
			Int("errors", len(result.Errors)).
			Strs("sample", sample).
			Msg("import completed with validation errors")
	}

	h.logger.Info().
		Int("records", result.RecordsImported).
		Int("batches", result.BatchesWritten).
		Str("range", result.TimeRange).
		Msg("import complete")

	httpx.RespondJSON(w, http.StatusOK, result)
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

	// Try simple datetime format
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t
	}

	return defaultTime
}
