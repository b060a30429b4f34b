package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/storage"
)

const slowQuery = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	seq    atomic.Uint64
	logger zerolog.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	Logger zerolog.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Default: 16 MB memtable. Below that badger flushes excessively.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// CRITICAL MEMORY LIMITS: BadgerDB has multiple unbounded memory consumers
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // stack traces go to the value log, params stay in the LSM
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // CRITICAL: 64 MB value log files instead of default 2GB!
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, logger: cfg.Logger}, nil
}

// Write stores records in BadgerDB
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Write(ctx context.Context, records []storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, r := range records {
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				value, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to encode record: %w", err)
				}
				if err := txn.Set(makeKey(r.AppID, r.Received, s.seq.Add(1)), value); err != nil {
					return fmt.Errorf("failed to write record: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves records matching the request, oldest first. With an AppID only that app's
// key range is scanned.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []storage.Record
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		start := time.Now()
		var iterCount int

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			if req.AppID != "" {
				opts.Prefix = appPrefix(req.AppID)
			}

			it := txn.NewIterator(opts)
			defer it.Close()

			seek := opts.Prefix
			if req.AppID != "" && !req.Start.IsZero() {
				seek = makeKey(req.AppID, req.Start, 0)
			}

			for it.Seek(seek); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				if req.AppID != "" && !req.End.IsZero() && keyTime(item.Key()).After(req.End) {
					break
				}

				var r storage.Record
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				if !req.Matches(r) {
					continue
				}

				res.results = append(res.results, r)
				if req.Limit > 0 && len(res.results) >= req.Limit {
					break
				}
			}
			return nil
		})

		if elapsed := time.Since(start); elapsed > slowQuery {
			s.logger.Warn().
				Dur("elapsed", elapsed).
				Int("iterations", iterCount).
				Int("results", len(res.results)).
				Msg("slow query")
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes records received before the cutoff
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Delete(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		var keysToDelete [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}
				if keyTime(it.Item().Key()).Before(before) {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
			return nil
		})
		if err != nil {
			done <- err
			return
		}

		// WriteBatch splits the deletes across transactions so large cleanups never hit
		// ErrTxnTooBig.
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range keysToDelete {
			if err := wb.Delete(key); err != nil {
				done <- err
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when nothing was reclaimed.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		var res statsResult
		stats := &storage.Stats{}

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			apps := make(map[uint64]bool)
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := it.Item().Key()
				stats.TotalRecords++
				apps[binary.BigEndian.Uint64(key[0:8])] = true

				ts := keyTime(key)
				if stats.OldestRecord.IsZero() || ts.Before(stats.OldestRecord) {
					stats.OldestRecord = ts
				}
				if stats.NewestRecord.IsZero() || ts.After(stats.NewestRecord) {
					stats.NewestRecord = ts
				}
			}

			stats.TotalApps = uint64(len(apps))
			return nil
		})

		if res.err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}

		res.stats = stats
		done <- res
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// makeKey creates a sortable key: app_hash + received + sequence
// Format: [app_hash (8 bytes)][received unix nanos (8 bytes)][sequence (8 bytes)]
func makeKey(appID string, received time.Time, seq uint64) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(appID))
	binary.BigEndian.PutUint64(key[8:16], uint64(received.UnixNano()))
	binary.BigEndian.PutUint64(key[16:24], seq)
	return key
}

func appPrefix(appID string) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(appID))
	return prefix
}

// keyTime extracts the received timestamp from a storage key
func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16])))
}
