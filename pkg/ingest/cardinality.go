package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Error group limits
const (
	MaxGroupsPerApp = 10000  // Maximum distinct error groups per app
	MaxGroupsTotal  = 100000 // Maximum distinct error groups across apps
)

var (
	// ErrGroupLimit is returned when the total group limit is exceeded
	ErrGroupLimit = fmt.Errorf("error group limit exceeded (max %d groups)", MaxGroupsTotal)

	// ErrAppGroupLimit is returned when one app's group limit is exceeded
	ErrAppGroupLimit = fmt.Errorf("app error group limit exceeded (max %d groups per app)", MaxGroupsPerApp)
)

// IsCardinalityError reports whether err came from the group limits.
func IsCardinalityError(err error) bool {
	return errors.Is(err, ErrGroupLimit) || errors.Is(err, ErrAppGroupLimit)
}

// CardinalityTracker tracks distinct error groups (stack hashes) per app
// SAFETY: Periodically clears old groups to prevent unbounded memory growth
type CardinalityTracker struct {
	mu sync.Mutex

	// groupCount tracks distinct groups per app
	groupCount map[string]int

	// totalGroups tracks distinct groups across all apps
	totalGroups int

	// groupSeen tracks which groups we've already counted
	// app + "\x00" + stackHash -> lastSeen timestamp
	groupSeen map[string]groupEntry

	// lastCleanup tracks when we last cleaned up old groups
	lastCleanup time.Time

	perAppLimit int
	totalLimit  int

	now func() time.Time
}

type groupEntry struct {
	app      string
	lastSeen time.Time
}

// Constants for memory safety
const (
	// Forget groups not seen in the last 24 hours
	groupRetentionPeriod = 24 * time.Hour

	// Run cleanup every hour
	cleanupInterval = 1 * time.Hour
)

// NewCardinalityTracker creates a tracker enforcing MaxGroupsPerApp and MaxGroupsTotal
func NewCardinalityTracker() *CardinalityTracker {
	return NewCardinalityTrackerWithLimits(MaxGroupsPerApp, MaxGroupsTotal)
}

// NewCardinalityTrackerWithLimits creates a tracker with custom limits
func NewCardinalityTrackerWithLimits(perApp, total int) *CardinalityTracker {
	return &CardinalityTracker{
		groupCount:  make(map[string]int),
		groupSeen:   make(map[string]groupEntry),
		lastCleanup: time.Now(),
		perAppLimit: perApp,
		totalLimit:  total,
		now:         time.Now,
	}
}

// Check validates that recording this group won't exceed the limits
func (c *CardinalityTracker) Check(app, stackHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupOldGroupsLocked()

	if _, exists := c.groupSeen[groupKey(app, stackHash)]; exists {
		return nil
	}
	return c.limitErrLocked(app)
}

// Reserve counts a new group against the limits in the same step as the check, so one payload
// or concurrent requests can't overshoot them. reserved is false for groups already counted.
// Undo a reservation whose records were never written with Release.
func (c *CardinalityTracker) Reserve(app, stackHash string) (reserved bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupOldGroupsLocked()

	key := groupKey(app, stackHash)
	if _, exists := c.groupSeen[key]; exists {
		return false, nil
	}
	if err := c.limitErrLocked(app); err != nil {
		return false, err
	}
	c.groupSeen[key] = groupEntry{app: app, lastSeen: c.now()}
	c.groupCount[app]++
	c.totalGroups++
	return true, nil
}

// Release forgets a group taken by Reserve
func (c *CardinalityTracker) Release(app, stackHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := groupKey(app, stackHash)
	if _, exists := c.groupSeen[key]; !exists {
		return
	}
	delete(c.groupSeen, key)
	c.totalGroups--
	if c.groupCount[app]--; c.groupCount[app] <= 0 {
		delete(c.groupCount, app)
	}
}

// limitErrLocked reports whether app may add a group. MUST be called with lock held
func (c *CardinalityTracker) limitErrLocked(app string) error {
	if c.totalGroups >= c.totalLimit {
		return ErrGroupLimit
	}
	if c.groupCount[app] >= c.perAppLimit {
		return ErrAppGroupLimit
	}
	return nil
}

// Record marks a group as seen, updating counters
// Should be called after Check() passes and the record is written
func (c *CardinalityTracker) Record(app, stackHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := groupKey(app, stackHash)
	_, existed := c.groupSeen[key]
	c.groupSeen[key] = groupEntry{app: app, lastSeen: c.now()}

	if !existed {
		c.groupCount[app]++
		c.totalGroups++
	}
}

// cleanupOldGroupsLocked removes groups not seen in groupRetentionPeriod
// MUST be called with lock held
func (c *CardinalityTracker) cleanupOldGroupsLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-groupRetentionPeriod)

	for key, e := range c.groupSeen {
		if e.lastSeen.Before(cutoff) {
			delete(c.groupSeen, key)
			c.totalGroups--
			if c.groupCount[e.app]--; c.groupCount[e.app] <= 0 {
				delete(c.groupCount, e.app)
			}
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Find app with highest cardinality
	var maxApp string
	var maxCount int
	for app, count := range c.groupCount {
		if count > maxCount {
			maxCount = count
			maxApp = app
		}
	}

	return CardinalityStats{
		TotalGroups:    c.totalGroups,
		Apps:           len(c.groupCount),
		MaxGroupsApp:   maxApp,
		MaxGroupsCount: maxCount,
		GroupLimit:     c.totalLimit,
		PerAppLimit:    c.perAppLimit,
		UtilizationPct: float64(c.totalGroups) / float64(c.totalLimit) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalGroups    int     `json:"total_groups"`
	Apps           int     `json:"apps"`
	MaxGroupsApp   string  `json:"max_groups_app"`
	MaxGroupsCount int     `json:"max_groups_count"`
	GroupLimit     int     `json:"group_limit"`
	PerAppLimit    int     `json:"per_app_limit"`
	UtilizationPct float64 `json:"utilization_percent"`
}

func groupKey(app, stackHash string) string {
	return app + "\x00" + stackHash
}
