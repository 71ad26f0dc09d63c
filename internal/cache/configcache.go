package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/radwatch/internal/store"
)

// DefaultConfigTTL is how long a cached reporting configuration stays
// valid. Configuration changes rarely, so the window is generous; the
// Controller evicts sooner when a device row is mutated.
const DefaultConfigTTL = time.Hour

// ConfigLoader loads reporting configuration from the durable store.
type ConfigLoader interface {
	ReportConfigByCode(ctx context.Context, code string) (*store.ReportConfig, error)
}

// ConfigCacheConfig holds the configuration for a ConfigCache.
type ConfigCacheConfig struct {
	Logger *slog.Logger
	Loader ConfigLoader
	// TTL defaults to DefaultConfigTTL when zero.
	TTL time.Duration
}

type configEntry struct {
	config    *store.ReportConfig
	expiresAt time.Time
}

// ConfigCache is a read-through cache of per-device reporting
// configuration keyed by device code.
type ConfigCache struct {
	logger *slog.Logger
	loader ConfigLoader
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]configEntry

	now func() time.Time
}

// NewConfigCache creates a ConfigCache.
func NewConfigCache(cfg *ConfigCacheConfig) (*ConfigCache, error) {
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
		ttl = DefaultConfigTTL
	}

	return &ConfigCache{
		logger:  cfg.Logger,
		loader:  cfg.Loader,
		ttl:     ttl,
		entries: make(map[string]configEntry),
		now:     time.Now,
	}, nil
}

// Get returns the reporting configuration for the device, loading it from
// the store when the cache has no live entry.
func (c *ConfigCache) Get(ctx context.Context, code string) (*store.ReportConfig, error) {
	c.mu.RLock()
	entry, ok := c.entries[code]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.config, nil
	}

	config, err := c.loader.ReportConfigByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[code] = configEntry{config: config, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return config, nil
}

// Evict removes the entry for the code. The next Get reloads from the store.
func (c *ConfigCache) Evict(code string) error {
	c.mu.Lock()
	delete(c.entries, code)
	c.mu.Unlock()
	return nil
}
