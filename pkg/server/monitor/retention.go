package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinyrum/pkg/config"
)

// maxConsecutiveErrors is how many failed retention runs in a row are tolerated
const maxConsecutiveErrors = 3

// RetentionMonitor tracks the health of the retention job that deletes expired records.
type RetentionMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	now               func() time.Time
}

// NewRetentionMonitor creates a monitor with no runs recorded.
func NewRetentionMonitor() *RetentionMonitor {
	return &RetentionMonitor{now: time.Now}
}

// RecordSuccess records a successful retention run.
func (rm *RetentionMonitor) RecordSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := rm.now()
	rm.lastSuccess = now
	rm.lastAttempt = now
	rm.consecutiveErrors = 0
	rm.lastError = ""
}

// RecordFailure records a failed retention run.
func (rm *RetentionMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = rm.now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// IsHealthy returns true if retention is keeping up.
// Unhealthy conditions:
//   - Attempted but never succeeded
//   - Haven't succeeded in two retention intervals
//   - More than 3 consecutive failures
//
// A monitor with no attempts yet is healthy so a fresh collector isn't reported degraded.
func (rm *RetentionMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isHealthyLocked()
}

func (rm *RetentionMonitor) isHealthyLocked() bool {
	if rm.lastAttempt.IsZero() {
		return true
	}
	if rm.lastSuccess.IsZero() {
		return false
	}
	if rm.now().Sub(rm.lastSuccess) > 2*config.RetentionInterval {
		return false
	}
	return rm.consecutiveErrors <= maxConsecutiveErrors
}

// RetentionStatus is the retention section of the health check.
type RetentionStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current retention status for health checks.
func (rm *RetentionMonitor) Status() RetentionStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RetentionStatus{
		Healthy: rm.isHealthyLocked(),
	}

	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = rm.now().Sub(rm.lastSuccess).Round(time.Second).String()
	}

	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}

	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}

	return status
}
