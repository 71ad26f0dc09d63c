// Package cache provides the in-process caches fronting the device store
// and the invalidation discipline applied when device rows change.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"procodus.dev/radwatch/internal/store"
)

const (
	// DefaultDeviceTTL is how long a cached device row stays valid.
	DefaultDeviceTTL = 5 * time.Minute

	// DefaultDeviceTTLJitter is added randomly per entry so a burst of
	// devices cached together does not expire together.
	DefaultDeviceTTLJitter = time.Minute
)

// DeviceLoader loads device rows from the durable store on cache miss.
type DeviceLoader interface {
	FindDeviceByCode(ctx context.Context, code string) (*store.Device, error)
}

// DeviceCacheConfig holds the configuration for a DeviceCache.
type DeviceCacheConfig struct {
	Logger *slog.Logger
	Loader DeviceLoader
	// TTL defaults to DefaultDeviceTTL when zero.
	TTL time.Duration
	// TTLJitter defaults to DefaultDeviceTTLJitter when zero. Set
	// negative to disable jitter.
	TTLJitter time.Duration
}

type deviceEntry struct {
	device    *store.Device
	expiresAt time.Time
}

// DeviceCache is a read-through cache of device rows keyed by device code.
// Entries expire on a jittered TTL; writers additionally evict through the
// Controller so readers never observe a permanently stale row.
type DeviceCache struct {
	logger *slog.Logger
	loader DeviceLoader
	ttl    time.Duration
	jitter time.Duration

	mu      sync.RWMutex
	entries map[string]deviceEntry

	now func() time.Time
}

// NewDeviceCache creates a DeviceCache.
func NewDeviceCache(cfg *DeviceCacheConfig) (*DeviceCache, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Loader == nil {
		return nil, errors.New("loader cannot be nil")
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultDeviceTTL
	}

	jitter := cfg.TTLJitter
	if jitter == 0 {
		jitter = DefaultDeviceTTLJitter
	}
	if jitter < 0 {
		jitter = 0
	}

	return &DeviceCache{
		logger:  cfg.Logger,
		loader:  cfg.Loader,
		ttl:     ttl,
		jitter:  jitter,
		entries: make(map[string]deviceEntry),
		now:     time.Now,
	}, nil
}

// Get returns the device row for the code, loading it from the store when
// the cache has no live entry.
func (c *DeviceCache) Get(ctx context.Context, code string) (*store.Device, error) {
	c.mu.RLock()
	entry, ok := c.entries[code]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.device, nil
	}

	device, err := c.loader.FindDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if c.jitter > 0 {
		ttl += rand.N(c.jitter)
	}

	c.mu.Lock()
	c.entries[code] = deviceEntry{device: device, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	return device, nil
}

// Evict removes the entry for the code. The next Get reloads from the store.
func (c *DeviceCache) Evict(code string) error {
	c.mu.Lock()
	delete(c.entries, code)
	c.mu.Unlock()
	return nil
}
