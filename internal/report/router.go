package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
)

const (
	// DefaultQueueSize is the dispatch queue capacity.
	DefaultQueueSize = 256

	// DefaultWorkers is the number of dispatch workers.
	DefaultWorkers = 4

	// How long Submit waits on a full queue before dropping the job.
	submitTimeout = 100 * time.Millisecond
)

// ErrUnknownProtocol is recorded when a device's protocol selector matches
// no known platform. The attempt is terminal; nothing retries it.
var ErrUnknownProtocol = errors.New("unknown report protocol")

// ConfigSource resolves per-device reporting configuration.
type ConfigSource interface {
	Get(ctx context.Context, code string) (*store.ReportConfig, error)
}

// LogSink records report attempts.
type LogSink interface {
	AppendReportLog(ctx context.Context, entry *store.ReportLog) error
}

// RouterConfig holds the configuration for a Router.
type RouterConfig struct {
	Logger   *slog.Logger
	Configs  ConfigSource
	Logs     LogSink
	Sichuan  Reporter
	Shandong Reporter
	// QueueSize defaults to DefaultQueueSize when zero.
	QueueSize int
	// Workers defaults to DefaultWorkers when zero.
	Workers int
	Metrics *metrics.PipelineMetrics
}

// Router fans newly ingested radiation readings out to the platform
// reporters through a bounded queue and worker pool. Ingestion submits
// fire-and-forget; a full queue drops the job after a short wait rather
// than blocking the consumer. Every dispatched attempt leaves one
// ReportLog row.
type Router struct {
	logger   *slog.Logger
	configs  ConfigSource
	logs     LogSink
	sichuan  Reporter
	shandong Reporter
	metrics  *metrics.PipelineMetrics
	workers  int

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup
}

type job struct {
	deviceCode string
	record     *store.RadiationReading
}

// NewRouter creates a Router.
func NewRouter(cfg *RouterConfig) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Configs == nil {
		return nil, errors.New("config source cannot be nil")
	}

	if cfg.Logs == nil {
		return nil, errors.New("log sink cannot be nil")
	}

	if cfg.Sichuan == nil || cfg.Shandong == nil {
		return nil, errors.New("both reporters are required")
	}

	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}

	return &Router{
		logger:   cfg.Logger,
		configs:  cfg.Configs,
		logs:     cfg.Logs,
		sichuan:  cfg.Sichuan,
		shandong: cfg.Shandong,
		metrics:  cfg.Metrics,
		workers:  workers,
		jobs:     make(chan job, queueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the worker pool.
func (r *Router) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.logger.Info("report router started", "workers", r.workers)
}

// Stop drains no further jobs and waits for in-flight dispatches.
func (r *Router) Stop() {
	close(r.done)
	r.wg.Wait()
	r.logger.Info("report router stopped")
}

// Submit queues a reading for dispatch. Blocks at most the submit timeout
// when the queue is full, then drops the job with a log entry.
func (r *Router) Submit(rec *store.RadiationReading) {
	j := job{deviceCode: rec.DeviceCode, record: rec}

	select {
	case r.jobs <- j:
		return
	default:
	}

	select {
	case r.jobs <- j:
	case <-time.After(submitTimeout):
		r.logger.Warn("report queue full, dropping dispatch",
			"device_code", rec.DeviceCode)
		if r.metrics != nil {
			r.metrics.ReportsDropped.Inc()
		}
	case <-r.done:
	}
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			r.dispatch(ctx, j)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, j job) {
	cfg, err := r.configs.Get(ctx, j.deviceCode)
	if err != nil {
		r.logger.Error("failed to load report config",
			"device_code", j.deviceCode,
			"error", err)
		return
	}

	if !cfg.Enabled {
		return
	}

	var reporter Reporter
	switch cfg.Protocol {
	case store.ProtocolSichuan:
		reporter = r.sichuan
	case store.ProtocolShandong:
		reporter = r.shandong
	default:
		r.logger.Error("unknown report protocol",
			"device_code", j.deviceCode,
			"protocol", cfg.Protocol)
		r.record(ctx, j, cfg.Protocol, 0, ErrUnknownProtocol)
		return
	}

	start := time.Now()
	err = reporter.Report(ctx, cfg, j.record)
	duration := time.Since(start)

	if err != nil {
		r.logger.Warn("report attempt failed",
			"device_code", j.deviceCode,
			"protocol", cfg.Protocol,
			"duration", duration,
			"error", err)
	} else {
		r.logger.Info("report attempt succeeded",
			"device_code", j.deviceCode,
			"protocol", cfg.Protocol,
			"duration", duration)
	}

	if r.metrics != nil {
		r.metrics.ReportDuration.WithLabelValues(cfg.Protocol).Observe(duration.Seconds())
	}

	r.record(ctx, j, cfg.Protocol, duration, err)
}

// record writes the attempt's ReportLog row. The write is best-effort; a
// failure is logged and swallowed.
func (r *Router) record(ctx context.Context, j job, protocol string, duration time.Duration, attemptErr error) {
	entry := &store.ReportLog{
		ReportTime:   time.Now(),
		DeviceCode:   j.deviceCode,
		Protocol:     protocol,
		Status:       store.ReportStatusSuccess,
		DurationMill: duration.Milliseconds(),
	}
	if attemptErr != nil {
		entry.Status = store.ReportStatusFailed
		entry.ErrorDetail = attemptErr.Error()
	}

	if r.metrics != nil {
		r.metrics.ReportsDispatched.WithLabelValues(protocol, entry.Status).Inc()
	}

	if err := r.logs.AppendReportLog(ctx, entry); err != nil {
		r.logger.Error("failed to append report log",
			"device_code", j.deviceCode,
			"error", err)
	}
}
