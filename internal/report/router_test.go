package report_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/internal/report"
	"procodus.dev/radwatch/internal/store"
)

type fakeConfigSource struct {
	mu      sync.Mutex
	configs map[string]*store.ReportConfig
}

func newFakeConfigSource() *fakeConfigSource {
	return &fakeConfigSource{configs: make(map[string]*store.ReportConfig)}
}

func (f *fakeConfigSource) put(cfg *store.ReportConfig) {
	f.mu.Lock()
	f.configs[cfg.DeviceCode] = cfg
	f.mu.Unlock()
}

func (f *fakeConfigSource) Get(_ context.Context, code string) (*store.ReportConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[code]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return cfg, nil
}

type fakeLogSink struct {
	mu      sync.Mutex
	entries []*store.ReportLog
}

func (f *fakeLogSink) AppendReportLog(_ context.Context, entry *store.ReportLog) error {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
	return nil
}

func (f *fakeLogSink) rows() []*store.ReportLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.ReportLog(nil), f.entries...)
}

type fakeReporter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeReporter) Report(context.Context, *store.ReportConfig, *store.RadiationReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeReporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ = Describe("Router", func() {
	var (
		logger   *slog.Logger
		configs  *fakeConfigSource
		logs     *fakeLogSink
		sichuan  *fakeReporter
		shandong *fakeReporter
		router   *report.Router
		ctx      context.Context
	)

	newRouter := func() *report.Router {
		r, err := report.NewRouter(&report.RouterConfig{
			Logger:   logger,
			Configs:  configs,
			Logs:     logs,
			Sichuan:  sichuan,
			Shandong: shandong,
			Workers:  2,
		})
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		configs = newFakeConfigSource()
		logs = &fakeLogSink{}
		sichuan = &fakeReporter{}
		shandong = &fakeReporter{}
		ctx = context.Background()
	})

	Describe("NewRouter", func() {
		It("should return error when config is nil", func() {
			r, err := report.NewRouter(nil)
			Expect(err).To(HaveOccurred())
			Expect(r).To(BeNil())
		})

		It("should return error when a reporter is missing", func() {
			r, err := report.NewRouter(&report.RouterConfig{
				Logger:  logger,
				Configs: configs,
				Logs:    logs,
				Sichuan: sichuan,
			})
			Expect(err).To(HaveOccurred())
			Expect(r).To(BeNil())
		})
	})

	Describe("dispatch", func() {
		AfterEach(func() {
			router.Stop()
		})

		It("should write no log row when reporting is disabled", func() {
			configs.put(&store.ReportConfig{
				DeviceCode: "RAD-001",
				Enabled:    false,
			})
			router = newRouter()
			router.Start(ctx)

			router.Submit(&store.RadiationReading{DeviceCode: "RAD-001"})

			Consistently(func() int {
				return len(logs.rows())
			}, 200*time.Millisecond).Should(Equal(0))
			Expect(sichuan.callCount()).To(Equal(0))
			Expect(shandong.callCount()).To(Equal(0))
		})

		It("should dispatch to the selected reporter and log success", func() {
			configs.put(&store.ReportConfig{
				DeviceCode: "RAD-001",
				Enabled:    true,
				Protocol:   store.ProtocolSichuan,
			})
			router = newRouter()
			router.Start(ctx)

			router.Submit(&store.RadiationReading{DeviceCode: "RAD-001"})

			Eventually(func() int {
				return len(logs.rows())
			}).Should(Equal(1))

			row := logs.rows()[0]
			Expect(row.DeviceCode).To(Equal("RAD-001"))
			Expect(row.Protocol).To(Equal(store.ProtocolSichuan))
			Expect(row.Status).To(Equal(store.ReportStatusSuccess))
			Expect(sichuan.callCount()).To(Equal(1))
			Expect(shandong.callCount()).To(Equal(0))
		})

		It("should log a failed attempt with the error detail", func() {
			shandong.err = errors.New("connection refused")
			configs.put(&store.ReportConfig{
				DeviceCode: "RAD-002",
				Enabled:    true,
				Protocol:   store.ProtocolShandong,
			})
			router = newRouter()
			router.Start(ctx)

			router.Submit(&store.RadiationReading{DeviceCode: "RAD-002"})

			Eventually(func() int {
				return len(logs.rows())
			}).Should(Equal(1))

			row := logs.rows()[0]
			Expect(row.Status).To(Equal(store.ReportStatusFailed))
			Expect(row.ErrorDetail).To(ContainSubstring("connection refused"))
		})

		It("should treat an unknown protocol selector as a terminal failure", func() {
			configs.put(&store.ReportConfig{
				DeviceCode: "RAD-003",
				Enabled:    true,
				Protocol:   "tibet",
			})
			router = newRouter()
			router.Start(ctx)

			router.Submit(&store.RadiationReading{DeviceCode: "RAD-003"})

			Eventually(func() int {
				return len(logs.rows())
			}).Should(Equal(1))

			row := logs.rows()[0]
			Expect(row.Protocol).To(Equal("tibet"))
			Expect(row.Status).To(Equal(store.ReportStatusFailed))
			Expect(row.ErrorDetail).To(ContainSubstring("unknown report protocol"))
			Expect(sichuan.callCount()).To(Equal(0))
			Expect(shandong.callCount()).To(Equal(0))
		})

		It("should skip devices whose config cannot be loaded", func() {
			router = newRouter()
			router.Start(ctx)

			router.Submit(&store.RadiationReading{DeviceCode: "RAD-UNKNOWN"})

			Consistently(func() int {
				return len(logs.rows())
			}, 200*time.Millisecond).Should(Equal(0))
		})
	})

	Describe("Submit", func() {
		It("should drop jobs instead of blocking when the queue is full", func() {
			r, err := report.NewRouter(&report.RouterConfig{
				Logger:    logger,
				Configs:   configs,
				Logs:      logs,
				Sichuan:   sichuan,
				Shandong:  shandong,
				QueueSize: 1,
			})
			Expect(err).NotTo(HaveOccurred())
			// Workers intentionally not started so the queue stays full.

			r.Submit(&store.RadiationReading{DeviceCode: "RAD-001"})

			start := time.Now()
			r.Submit(&store.RadiationReading{DeviceCode: "RAD-002"})
			Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
		})
	})
})
