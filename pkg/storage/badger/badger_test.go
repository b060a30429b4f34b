package badger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/storage"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(app, typ string, received time.Time) storage.Record {
	return storage.Record{
		AppID:    app,
		Session:  "session-1",
		Type:     typ,
		Received: received,
		Params: map[string]any{
			"message":     "card declined",
			"stack_trace": "Error: card declined\n    at charge (app.js:10:5)",
		},
		Metrics: map[string]storage.Metric{"time": {Count: 3, Total: 30, Min: 5, Max: 15, SumOfSquares: 350}},
		Custom:  map[string]any{"tier": "gold"},
	}
}

func TestBadgerStorage_WriteAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := store.Write(ctx, []storage.Record{
		record("checkout", "err", now),
		record("checkout", "err", now), // same instant must not overwrite
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	results, err := store.Query(ctx, storage.QueryRequest{
		Start: now.Add(-1 * time.Hour),
		End:   now.Add(1 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(results))
	}

	got := results[0]
	if got.AppID != "checkout" || got.Type != "err" || got.Session != "session-1" {
		t.Errorf("Unexpected record identity: %+v", got)
	}
	if got.Params["message"] != "card declined" {
		t.Errorf("Params not round-tripped: %v", got.Params)
	}
	if m := got.Metrics["time"]; m.Count != 3 || m.Max != 15 {
		t.Errorf("Metrics not round-tripped: %+v", m)
	}
	if got.Custom["tier"] != "gold" {
		t.Errorf("Custom not round-tripped: %v", got.Custom)
	}
}

func TestBadgerStorage_QueryByApp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Write(ctx, []storage.Record{
		record("checkout", "err", now.Add(-3*time.Minute)),
		record("checkout", "xhr", now.Add(-2*time.Minute)),
		record("checkout", "err", now.Add(-1*time.Minute)),
		record("search", "err", now),
	})

	tests := []struct {
		name string
		req  storage.QueryRequest
		want int
	}{
		{"app", storage.QueryRequest{AppID: "checkout"}, 3},
		{"app and type", storage.QueryRequest{AppID: "checkout", Type: "err"}, 2},
		{"app window", storage.QueryRequest{
			AppID: "checkout",
			Start: now.Add(-150 * time.Second),
			End:   now.Add(-90 * time.Second),
		}, 1},
		{"app limit", storage.QueryRequest{AppID: "checkout", Limit: 2}, 2},
		{"other app", storage.QueryRequest{AppID: "search"}, 1},
		{"unknown app", storage.QueryRequest{AppID: "billing"}, 0},
		{"all types", storage.QueryRequest{Type: "err"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Query(ctx, tt.req)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("Expected %d records, got %d", tt.want, len(results))
			}
		})
	}
}

func TestBadgerStorage_QueryOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Write(ctx, []storage.Record{record("checkout", "err", now)})
	store.Write(ctx, []storage.Record{record("checkout", "err", now.Add(-time.Minute))})

	results, err := store.Query(ctx, storage.QueryRequest{AppID: "checkout"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 || !results[0].Received.Before(results[1].Received) {
		t.Errorf("Expected records oldest first")
	}
}

func TestBadgerStorage_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Write(ctx, []storage.Record{
		record("checkout", "err", now.Add(-48*time.Hour)),
		record("search", "err", now.Add(-25*time.Hour)),
		record("checkout", "err", now),
	})

	if err := store.Delete(ctx, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	results, _ := store.Query(ctx, storage.QueryRequest{})
	if len(results) != 1 {
		t.Errorf("Expected 1 record after delete, got %d", len(results))
	}
}

func TestBadgerStorage_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Write(ctx, []storage.Record{
		record("checkout", "err", now.Add(-time.Minute)),
		record("checkout", "err", now),
		record("search", "xhr", now),
	})

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("Expected 3 records, got %d", stats.TotalRecords)
	}
	if stats.TotalApps != 2 {
		t.Errorf("Expected 2 apps, got %d", stats.TotalApps)
	}
	if stats.OldestRecord.UnixNano() != now.Add(-time.Minute).UnixNano() {
		t.Errorf("Wrong oldest record: %v", stats.OldestRecord)
	}
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	now := time.Now()

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir, Logger: zerolog.Nop()})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		if err := store.Write(ctx, []storage.Record{record("checkout", "err", now)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		store.Close()
	}

	// Read from second instance
	store, err := New(Config{Path: tmpDir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	results, err := store.Query(ctx, storage.QueryRequest{AppID: "checkout"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 persisted record, got %d", len(results))
	}
}

func TestBadgerStorage_ContextCancellation(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Write(ctx, []storage.Record{record("a", "err", time.Now())}); err == nil {
		t.Error("Expected Write to fail on cancelled context")
	}
	if _, err := store.Query(ctx, storage.QueryRequest{}); err == nil {
		t.Error("Expected Query to fail on cancelled context")
	}
	if err := store.Delete(ctx, time.Now()); err == nil {
		t.Error("Expected Delete to fail on cancelled context")
	}
	if _, err := store.Stats(ctx); err == nil {
		t.Error("Expected Stats to fail on cancelled context")
	}
}
