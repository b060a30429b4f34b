package storage

import (
	"context"
	"time"
)

// Storage defines the interface for error bucket storage backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write stores records
	Write(ctx context.Context, records []Record) error

	// Query retrieves records within a time range
	Query(ctx context.Context, req QueryRequest) ([]Record, error)

	// Delete removes records received before the given time
	Delete(ctx context.Context, before time.Time) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// Metric is the running summary of one bucket metric, as sent by the agent.
type Metric struct {
	Count        int64   `json:"c"`
	Total        float64 `json:"t"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	SumOfSquares float64 `json:"sos"`
}

// Record is one bucket received in a harvest.
type Record struct {
	AppID    string            `json:"app_id"`
	Session  string            `json:"session,omitempty"`
	Type     string            `json:"type"`
	Received time.Time         `json:"received"`
	Params   map[string]any    `json:"params"`
	Metrics  map[string]Metric `json:"metrics"`
	Custom   map[string]any    `json:"custom,omitempty"`
}

// QueryRequest specifies what records to retrieve
type QueryRequest struct {
	// Time range
	Start time.Time
	End   time.Time

	// Filter by app (optional)
	AppID string

	// Filter by event type: err, ierr, xhr (optional)
	Type string

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether r passes the request's filters.
func (q QueryRequest) Matches(r Record) bool {
	if !q.Start.IsZero() && r.Received.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Received.After(q.End) {
		return false
	}
	if q.AppID != "" && r.AppID != q.AppID {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	// Total records stored
	TotalRecords uint64 `json:"total_records"`

	// Distinct apps with at least one record
	TotalApps uint64 `json:"total_apps"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest record timestamp
	OldestRecord time.Time `json:"oldest_record"`

	// Newest record timestamp
	NewestRecord time.Time `json:"newest_record"`
}
