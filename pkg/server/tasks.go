package server

import (
	"context"
	"errors"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinyrum/pkg/config"
	"github.com/nicktill/tinyrum/pkg/server/monitor"
	"github.com/nicktill/tinyrum/pkg/storage"
	"github.com/nicktill/tinyrum/pkg/storage/badger"
)

const maxRetentionRetries = 3

// retentionRetryDelay is the first backoff after a failed retention run; it doubles per attempt.
var retentionRetryDelay = 30 * time.Second

// RunRetention deletes records older than retention, once on startup and then every
// RetentionInterval. Failed runs are retried with exponential backoff. It returns when ctx
// is cancelled.
func RunRetention(ctx context.Context, store storage.Storage, retention time.Duration, mon *monitor.RetentionMonitor, logger zerolog.Logger) error {
	runWithRetry := func() {
		for attempt := 0; attempt <= maxRetentionRetries; attempt++ {
			if attempt > 0 {
				delay := retentionRetryDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
				logger.Info().
					Dur("delay", delay).
					Int("attempt", attempt+1).
					Msg("retrying retention")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			cutoff := start.Add(-retention)
			err := store.Delete(ctx, cutoff)
			if err == nil {
				mon.RecordSuccess()
				logger.Info().
					Time("cutoff", cutoff).
					Dur("elapsed", time.Since(start).Round(time.Millisecond)).
					Msg("retention completed")
				return
			}
			if ctx.Err() != nil {
				return
			}

			mon.RecordFailure(err)
			status := mon.Status()
			event := logger.Warn()
			if !status.Healthy {
				event = logger.Error()
			}
			event.Err(err).
				Int("attempt", attempt+1).
				Int("consecutive_errors", status.ConsecutiveErrors).
				Msg("retention failed")
		}

		logger.Error().Int("attempts", maxRetentionRetries+1).Msg("retention failed, will retry on next schedule")
	}

	runWithRetry()

	ticker := time.NewTicker(config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			logger.Debug().Msg("stopping retention scheduler")
			return nil
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically to reclaim the space
// retention frees. It returns immediately for other storage backends.
func RunBadgerGC(ctx context.Context, store storage.Storage, logger zerolog.Logger) error {
	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Debug().Msg("storage is not badger, skipping value log GC")
		return nil
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := badgerStore.RunGC(config.BadgerDiscardRatio)
			switch {
			case err == nil:
				logger.Info().Dur("elapsed", time.Since(start).Round(time.Millisecond)).Msg("value log GC reclaimed space")
			case errors.Is(err, dgbadger.ErrNoRewrite):
				logger.Debug().Msg("value log GC: nothing to reclaim")
			default:
				logger.Warn().Err(err).Msg("value log GC failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
