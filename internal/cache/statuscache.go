package cache

import (
	"sync"
	"time"
)

// StatusCache tracks per-device liveness state in memory: the last time
// telemetry was seen and the current lifecycle status. Ingestion writes
// it on every message; the offline sweep reads it as the fast path before
// touching the durable device row. Last write wins.
type StatusCache struct {
	mu       sync.RWMutex
	statuses map[string]string
	lastSeen map[string]time.Time
}

// NewStatusCache creates an empty StatusCache.
func NewStatusCache() *StatusCache {
	return &StatusCache{
		statuses: make(map[string]string),
		lastSeen: make(map[string]time.Time),
	}
}

// MarkSeen records that the device reported at the given time.
func (c *StatusCache) MarkSeen(code string, at time.Time) {
	c.mu.Lock()
	c.lastSeen[code] = at
	c.mu.Unlock()
}

// LastSeen returns the device's cached last-seen time.
func (c *StatusCache) LastSeen(code string) (time.Time, bool) {
	c.mu.RLock()
	at, ok := c.lastSeen[code]
	c.mu.RUnlock()
	return at, ok
}

// SetStatus records the device's lifecycle status.
func (c *StatusCache) SetStatus(code, status string) {
	c.mu.Lock()
	c.statuses[code] = status
	c.mu.Unlock()
}

// Status returns the device's cached lifecycle status.
func (c *StatusCache) Status(code string) (string, bool) {
	c.mu.RLock()
	status, ok := c.statuses[code]
	c.mu.RUnlock()
	return status, ok
}
