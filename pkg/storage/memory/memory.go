package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyrum/pkg/storage"
)

// Storage stores records in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	records []storage.Record
	mu      sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		records: make([]storage.Record, 0, 1024),
	}
}

// Write stores records in memory, keeping them ordered by receive time
func (s *Storage) Write(ctx context.Context, records []storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, records...)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Received.Before(s.records[j].Received)
	})
	return nil
}

// Query retrieves records matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.Record
	for _, r := range s.records {
		if !req.Matches(r) {
			continue
		}
		results = append(results, r)

		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}

	return results, nil
}

// Delete removes records received before the given time
func (s *Storage) Delete(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]storage.Record, 0, len(s.records))
	for _, r := range s.records {
		if !r.Received.Before(before) {
			filtered = append(filtered, r)
		}
	}

	s.records = filtered
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalRecords: uint64(len(s.records)),
	}
	if len(s.records) == 0 {
		return stats, nil
	}

	apps := make(map[string]bool)
	for _, r := range s.records {
		apps[r.AppID] = true
	}

	stats.TotalApps = uint64(len(apps))
	stats.OldestRecord = s.records[0].Received
	stats.NewestRecord = s.records[len(s.records)-1].Received

	// Rough size estimate (each record ~1 KB with its stack)
	stats.SizeBytes = uint64(len(s.records)) * 1024

	return stats, nil
}
