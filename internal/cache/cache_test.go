package cache_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/internal/cache"
	"procodus.dev/radwatch/internal/store"
)

// fakeStore serves device rows from memory and counts loads.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
	loads   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]*store.Device)}
}

func (f *fakeStore) put(d *store.Device) {
	f.mu.Lock()
	f.devices[d.DeviceCode] = d
	f.mu.Unlock()
}

func (f *fakeStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeStore) FindDeviceByCode(_ context.Context, code string) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	d, ok := f.devices[code]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeStore) ReportConfigByCode(ctx context.Context, code string) (*store.ReportConfig, error) {
	d, err := f.FindDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return store.ReportConfigFromDevice(d), nil
}

// flakyEvictor fails a fixed number of times before succeeding.
type flakyEvictor struct {
	mu       sync.Mutex
	failures int
	evicted  []string
}

func (f *flakyEvictor) Evict(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("eviction failed")
	}
	f.evicted = append(f.evicted, code)
	return nil
}

func (f *flakyEvictor) evictions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evicted...)
}

var _ = Describe("DeviceCache", func() {
	var (
		logger  *slog.Logger
		backing *fakeStore
		ctx     context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		backing = newFakeStore()
		ctx = context.Background()
	})

	Describe("NewDeviceCache", func() {
		It("should return error when config is nil", func() {
			c, err := cache.NewDeviceCache(nil)
			Expect(err).To(HaveOccurred())
			Expect(c).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{Loader: backing})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(c).To(BeNil())
		})

		It("should return error when loader is nil", func() {
			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("loader"))
			Expect(c).To(BeNil())
		})
	})

	Describe("Get", func() {
		It("should load once and serve subsequent reads from memory", func() {
			backing.put(&store.Device{DeviceCode: "RAD-001", Category: store.CategoryRadiation})

			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{Logger: logger, Loader: backing})
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 5; i++ {
				d, err := c.Get(ctx, "RAD-001")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.DeviceCode).To(Equal("RAD-001"))
			}
			Expect(backing.loadCount()).To(Equal(1))
		})

		It("should propagate loader errors without caching", func() {
			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{Logger: logger, Loader: backing})
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Get(ctx, "RAD-MISSING")
			Expect(err).To(MatchError(store.ErrDeviceNotFound))
			_, err = c.Get(ctx, "RAD-MISSING")
			Expect(err).To(MatchError(store.ErrDeviceNotFound))
			Expect(backing.loadCount()).To(Equal(2))
		})

		It("should reload after the TTL expires", func() {
			backing.put(&store.Device{DeviceCode: "RAD-001"})

			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{
				Logger:    logger,
				Loader:    backing,
				TTL:       10 * time.Millisecond,
				TTLJitter: -1,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(backing.loadCount()).To(Equal(1))

			time.Sleep(20 * time.Millisecond)

			_, err = c.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(backing.loadCount()).To(Equal(2))
		})
	})

	Describe("Evict", func() {
		It("should force the next read to reload", func() {
			backing.put(&store.Device{DeviceCode: "RAD-001", Status: store.StatusOffline})

			c, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{Logger: logger, Loader: backing})
			Expect(err).NotTo(HaveOccurred())

			d, err := c.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.StatusOffline))

			backing.put(&store.Device{DeviceCode: "RAD-001", Status: store.StatusOnline})
			Expect(c.Evict("RAD-001")).To(Succeed())

			d, err = c.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.StatusOnline))
		})
	})
})

var _ = Describe("ConfigCache", func() {
	var (
		logger  *slog.Logger
		backing *fakeStore
		ctx     context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		backing = newFakeStore()
		ctx = context.Background()
	})

	It("should serve repeated reads from memory", func() {
		backing.put(&store.Device{
			DeviceCode:     "RAD-001",
			ReportEnabled:  true,
			ReportProtocol: store.ProtocolSichuan,
		})

		c, err := cache.NewConfigCache(&cache.ConfigCacheConfig{Logger: logger, Loader: backing})
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 3; i++ {
			cfg, err := c.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Enabled).To(BeTrue())
			Expect(cfg.Protocol).To(Equal(store.ProtocolSichuan))
		}
		Expect(backing.loadCount()).To(Equal(1))
	})

	It("should return error when loader is nil", func() {
		c, err := cache.NewConfigCache(&cache.ConfigCacheConfig{Logger: logger})
		Expect(err).To(HaveOccurred())
		Expect(c).To(BeNil())
	})
})

var _ = Describe("Controller", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewController", func() {
		It("should return error when no evictors are given", func() {
			c, err := cache.NewController(&cache.ControllerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(c).To(BeNil())
		})
	})

	Describe("DeviceMutated", func() {
		It("should evict immediately and again after the delay", func() {
			evictor := &flakyEvictor{}
			c, err := cache.NewController(&cache.ControllerConfig{
				Logger:   logger,
				Evictors: []cache.Evictor{evictor},
				Delay:    10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			c.DeviceMutated("RAD-001")
			Expect(evictor.evictions()).To(Equal([]string{"RAD-001"}))

			c.Wait()
			Expect(evictor.evictions()).To(Equal([]string{"RAD-001", "RAD-001"}))
		})

		It("should retry a failing eviction a bounded number of times", func() {
			evictor := &flakyEvictor{failures: 2}
			c, err := cache.NewController(&cache.ControllerConfig{
				Logger:   logger,
				Evictors: []cache.Evictor{evictor},
				Delay:    10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			c.DeviceMutated("RAD-001")
			c.Wait()
			Expect(evictor.evictions()).To(Equal([]string{"RAD-001", "RAD-001"}))
		})

		It("should leave no stale row visible after the delay window", func() {
			backing := newFakeStore()
			backing.put(&store.Device{DeviceCode: "RAD-001", Status: store.StatusOffline})

			deviceCache, err := cache.NewDeviceCache(&cache.DeviceCacheConfig{
				Logger: logger,
				Loader: backing,
			})
			Expect(err).NotTo(HaveOccurred())

			controller, err := cache.NewController(&cache.ControllerConfig{
				Logger:   logger,
				Evictors: []cache.Evictor{deviceCache},
				Delay:    10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx := context.Background()
			_, err = deviceCache.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())

			// The write commits, then a racing reader repopulates the
			// cache with the old row before the mutation is announced.
			backing.put(&store.Device{DeviceCode: "RAD-001", Status: store.StatusOnline})
			controller.DeviceMutated("RAD-001")
			controller.Wait()

			d, err := deviceCache.Get(ctx, "RAD-001")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.StatusOnline))
		})
	})
})

var _ = Describe("StatusCache", func() {
	It("should track last-seen and status per device", func() {
		c := cache.NewStatusCache()

		_, ok := c.LastSeen("RAD-001")
		Expect(ok).To(BeFalse())

		now := time.Now()
		c.MarkSeen("RAD-001", now)
		seen, ok := c.LastSeen("RAD-001")
		Expect(ok).To(BeTrue())
		Expect(seen).To(Equal(now))

		c.SetStatus("RAD-001", store.StatusOnline)
		status, ok := c.Status("RAD-001")
		Expect(ok).To(BeTrue())
		Expect(status).To(Equal(store.StatusOnline))
	})
})
