// Package monitor tracks collector health: disk usage against the storage limit, and the
// retention job that keeps it there.
package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/tinyrum/pkg/config"
)

// StorageMonitor tracks storage usage with caching to avoid expensive filesystem calls.
// It satisfies ingest.UsageChecker.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.RWMutex
}

// NewStorageMonitor creates a new storage monitor.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: config.StorageCheckCache,
	}
}

// GetUsage returns current storage usage in bytes (cached).
// Every harvest checks usage, so the directory walk runs at most once per cache period.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.RLock()
	if time.Since(sm.lastCheck) < sm.cacheDuration {
		usage := sm.cachedUsage
		sm.mu.RUnlock()
		return usage, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check another goroutine didn't just update it
	if time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				// Fallback to logical size if we can't get actual size
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
