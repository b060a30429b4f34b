package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nicktill/tinyrum/pkg/storage"
)

// FormatVersion is written into JSON backups and checked on import
const FormatVersion = "1.0"

// Exporter handles exporting records to various formats
type Exporter struct {
	storage storage.Storage
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export
	Start time.Time
	End   time.Time

	// Filter by app (empty = all apps)
	AppID string

	// Filter by event type (empty = all types)
	Type string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata describes a JSON backup
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Backup is the JSON backup document
type Backup struct {
	Metadata Metadata         `json:"metadata"`
	Records  []storage.Record `json:"records"`
}

func (e *Exporter) query(ctx context.Context, opts ExportOptions) ([]storage.Record, error) {
	records, err := e.storage.Query(ctx, storage.QueryRequest{
		Start: opts.Start,
		End:   opts.End,
		AppID: opts.AppID,
		Type:  opts.Type,
		Limit: 0, // No limit - export everything
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return records, nil
}

// ExportToJSON exports records as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []storage.Record{}
	}

	backup := Backup{
		Metadata: Metadata{
			ExportedAt:  time.Now(),
			StartTime:   opts.Start,
			EndTime:     opts.End,
			RecordCount: len(records),
			Format:      "json",
			Version:     FormatVersion,
		},
		Records: records,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(records),
		TimeRange:       timeRange(opts.Start, opts.End),
		Format:          "json",
		ExportedAt:      backup.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports records as CSV to the given writer. Params, custom attributes and
// metric counts/totals become one column each.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	// Collect all keys across all records for consistent columns
	paramKeys, customKeys, metricNames := collectKeys(records)

	header := []string{"received", "app_id", "session", "type"}
	for _, k := range paramKeys {
		header = append(header, "params."+k)
	}
	for _, k := range customKeys {
		header = append(header, "custom."+k)
	}
	for _, name := range metricNames {
		header = append(header, name+".count", name+".total")
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.Received.Format(time.RFC3339Nano),
			r.AppID,
			r.Session,
			r.Type,
		}
		for _, k := range paramKeys {
			row = append(row, cell(r.Params, k))
		}
		for _, k := range customKeys {
			row = append(row, cell(r.Custom, k))
		}
		for _, name := range metricNames {
			m, ok := r.Metrics[name]
			if !ok {
				row = append(row, "", "")
				continue
			}
			row = append(row,
				strconv.FormatInt(m.Count, 10),
				strconv.FormatFloat(m.Total, 'f', -1, 64),
			)
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(records),
		TimeRange:       timeRange(opts.Start, opts.End),
		Format:          "csv",
		ExportedAt:      time.Now(),
	}, nil
}

// cell formats one attribute value. Non-string values are written as JSON.
func cell(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// collectKeys gathers all unique param, custom and metric keys and returns them sorted
func collectKeys(records []storage.Record) (params, custom, metrics []string) {
	paramSet := make(map[string]bool)
	customSet := make(map[string]bool)
	metricSet := make(map[string]bool)
	for _, r := range records {
		for k := range r.Params {
			paramSet[k] = true
		}
		for k := range r.Custom {
			customSet[k] = true
		}
		for k := range r.Metrics {
			metricSet[k] = true
		}
	}
	return sortedKeys(paramSet), sortedKeys(customSet), sortedKeys(metricSet)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func timeRange(start, end time.Time) string {
	return fmt.Sprintf("%s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
}
