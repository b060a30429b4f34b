/*
Package storage provides the pluggable storage abstraction for the collector's error buckets.

# Storage Interface

The collector uses an interface-based design to support multiple storage backends:
  - memory: In-memory storage for testing and ephemeral workloads
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

All backends implement the Storage interface:

	type Storage interface {
	    Write(ctx context.Context, records []Record) error
	    Query(ctx context.Context, req QueryRequest) ([]Record, error)
	    Delete(ctx context.Context, before time.Time) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

# Records

A Record is one bucket from one harvest: the event type (err, ierr, xhr), its params, metric
summaries and custom attributes, stamped with the app, the agent session and the time it was
received. Records are stored as received; the collector never merges buckets.

# Usage Example

	import (
	    "context"
	    "github.com/nicktill/tinyrum/pkg/storage/badger"
	)

	// Create storage
	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	// Query the last hour of errors for one app
	results, err := store.Query(context.Background(), storage.QueryRequest{
	    Start: time.Now().Add(-1 * time.Hour),
	    AppID: "checkout",
	    Type:  "err",
	})

# Retention & Deletion

	// Delete everything received more than 7 days ago
	store.Delete(ctx, time.Now().Add(-7*24*time.Hour))

The collector runs this every config.RetentionInterval with the configured retention.

# Best Practices

1. Always call Close() when done to flush pending writes
2. Use context.WithTimeout() to prevent hung queries
3. Filter by AppID: the badger backend scans only that app's key range
*/
package storage
