package cache

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultEvictionDelay is the gap before the second eviction.
	DefaultEvictionDelay = time.Second

	// A failed eviction is retried this many times, then dropped.
	maxEvictRetries = 3
)

// Evictor removes a cached entry by device code.
type Evictor interface {
	Evict(code string) error
}

// ControllerConfig holds the configuration for a Controller.
type ControllerConfig struct {
	Logger *slog.Logger
	// Evictors are the caches invalidated on every device mutation.
	Evictors []Evictor
	// Delay defaults to DefaultEvictionDelay when zero.
	Delay time.Duration
}

// Controller applies the double-eviction discipline on device mutations:
// evict immediately, then evict once more after a short delay. The first
// eviction alone leaves a race where a reader loads the pre-mutation row
// between the writer's commit and the eviction, then repopulates the cache
// with it; the delayed second eviction bounds that staleness to the delay
// window. Evictions never block the writer and a failed eviction is
// retried a bounded number of times, then dropped.
type Controller struct {
	logger   *slog.Logger
	evictors []Evictor
	delay    time.Duration
	wg       sync.WaitGroup
}

// NewController creates a Controller.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if len(cfg.Evictors) == 0 {
		return nil, errors.New("at least one evictor is required")
	}

	delay := cfg.Delay
	if delay == 0 {
		delay = DefaultEvictionDelay
	}

	return &Controller{
		logger:   cfg.Logger,
		evictors: cfg.Evictors,
		delay:    delay,
	}, nil
}

// DeviceMutated invalidates every cache for the device code, now and again
// after the configured delay. Returns immediately; the delayed eviction
// runs in the background.
func (c *Controller) DeviceMutated(code string) {
	c.evict(code)

	c.wg.Add(1)
	time.AfterFunc(c.delay, func() {
		defer c.wg.Done()
		c.evict(code)
	})
}

// Wait blocks until all pending delayed evictions have run. Called on
// shutdown and by tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) evict(code string) {
	for _, evictor := range c.evictors {
		var err error
		for attempt := 0; attempt < maxEvictRetries; attempt++ {
			if err = evictor.Evict(code); err == nil {
				break
			}
		}
		if err != nil {
			c.logger.Error("cache eviction dropped after retries",
				"device_code", code,
				"error", err)
		}
	}
}
