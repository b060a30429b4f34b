// Package server wires the collector: storage, ingest and query handlers, background tasks
// and routes.
package server

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/export"
	"github.com/nicktill/tinyrum/pkg/ingest"
	"github.com/nicktill/tinyrum/pkg/server/monitor"
	"github.com/nicktill/tinyrum/pkg/storage"
	"github.com/nicktill/tinyrum/pkg/storage/badger"
	"github.com/nicktill/tinyrum/pkg/storage/memory"
)

// Components holds everything SetupRoutes and the background tasks need.
type Components struct {
	Store     storage.Storage
	Ingest    *ingest.Handler
	Export    *export.Handler
	Hub       *ingest.ErrorHub
	Metrics   *ingest.CollectorMetrics
	Limiter   *ingest.RateLimiter
	Retention *monitor.RetentionMonitor

	// StorageMonitor is nil for in-memory storage
	StorageMonitor *monitor.StorageMonitor
}

// InitializeStorage opens BadgerDB storage, or in-memory storage when configured.
func InitializeStorage(cfg config.CollectorSettings, logger zerolog.Logger) (storage.Storage, error) {
	if cfg.InMemory {
		logger.Info().Msg("using in-memory storage, records are lost on restart")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Int64("max_memory_mb", cfg.MaxMemoryMB).
		Msg("badger storage initialized")
	return store, nil
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(store storage.Storage, cfg config.CollectorSettings, logger zerolog.Logger) *Components {
	c := &Components{
		Store:     store,
		Metrics:   ingest.NewCollectorMetrics(),
		Limiter:   ingest.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		Retention: monitor.NewRetentionMonitor(),
	}
	c.Hub = ingest.NewErrorHub(logger.With().Str("component", "ws").Logger(), c.Metrics)

	var usage ingest.UsageChecker
	if !cfg.InMemory && cfg.MaxStorageGB > 0 {
		c.StorageMonitor = monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB*1024*1024*1024)
		usage = c.StorageMonitor
	}

	c.Ingest = ingest.NewHandler(ingest.Config{
		Storage:     store,
		Hub:         c.Hub,
		Limiter:     c.Limiter,
		Breaker:     ingest.NewStorageBreaker(logger),
		Usage:       usage,
		Metrics:     c.Metrics,
		BlockedApps: cfg.BlockedApps,
		RetryAfter:  cfg.RetryAfter,
		Logger:      logger.With().Str("component", "ingest").Logger(),
	})

	c.Export = export.NewHandler(
		export.NewExporter(store),
		export.NewImporter(store),
		logger.With().Str("component", "export").Logger(),
	)

	logger.Info().
		Float64("rate_limit", cfg.RateLimitPerSec).
		Int("rate_burst", cfg.RateLimitBurst).
		Int64("max_storage_gb", cfg.MaxStorageGB).
		Strs("blocked_apps", cfg.BlockedApps).
		Msg("handlers created")

	return c
}
