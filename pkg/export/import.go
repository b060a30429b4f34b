package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nicktill/tinyrum/pkg/ingest"
	"github.com/nicktill/tinyrum/pkg/storage"
)

const (
	// MaxImportBatchSize is the maximum number of records to write at once
	MaxImportBatchSize = 5000
)

// ErrInvalidBackup is returned when the uploaded document is not a usable backup
var ErrInvalidBackup = errors.New("invalid backup")

// Importer handles importing records from backup files
type Importer struct {
	storage storage.Storage
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	RecordsImported int       `json:"records_imported"`
	BatchesWritten  int       `json:"batches_written"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports records from a JSON backup file
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var backup Backup
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, fmt.Errorf("%w: failed to decode JSON: %v", ErrInvalidBackup, err)
	}
	if v := backup.Metadata.Version; v != "" && v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidBackup, v)
	}

	if len(backup.Records) == 0 {
		return &ImportResult{
			TimeRange:  "empty",
			ImportedAt: time.Now(),
		}, nil
	}

	// Invalid records are skipped, not fatal
	var validationErrors []string
	valid := make([]storage.Record, 0, len(backup.Records))
	for i, rec := range backup.Records {
		if err := validateImportedRecord(rec); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		valid = append(valid, rec)
	}

	// Write records in batches to avoid overwhelming storage
	batchCount := 0
	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := i + MaxImportBatchSize
		if end > len(valid) {
			end = len(valid)
		}

		if err := im.storage.Write(ctx, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", batchCount, err)
		}
		batchCount++
	}

	var minTime, maxTime time.Time
	for _, rec := range valid {
		if minTime.IsZero() || rec.Received.Before(minTime) {
			minTime = rec.Received
		}
		if rec.Received.After(maxTime) {
			maxTime = rec.Received
		}
	}

	return &ImportResult{
		RecordsImported: len(valid),
		BatchesWritten:  batchCount,
		TimeRange:       timeRange(minTime, maxTime),
		ImportedAt:      time.Now(),
		Errors:          validationErrors,
	}, nil
}

// validateImportedRecord applies the ingest limits to a record before import
func validateImportedRecord(r storage.Record) error {
	if err := ingest.ValidateAppID(r.AppID); err != nil {
		return err
	}
	if !ingest.KnownType(r.Type) {
		return fmt.Errorf("%w: %q", ingest.ErrUnknownType, r.Type)
	}
	if err := ingest.ValidateBucket(ingest.Bucket{Params: r.Params, Metrics: r.Metrics, Custom: r.Custom}); err != nil {
		return err
	}

	if r.Received.IsZero() {
		return fmt.Errorf("received timestamp cannot be zero")
	}

	// Check for reasonable timestamp (not too far in past/future)
	now := time.Now()
	if r.Received.Before(now.Add(-10 * 365 * 24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in past: %s", r.Received)
	}
	if r.Received.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in future: %s", r.Received)
	}

	return nil
}
