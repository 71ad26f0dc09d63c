// Package flush drains the telemetry buffer into durable storage in
// bounded periodic batches.
package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/radwatch/internal/buffer"
	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
)

const (
	// DefaultPeriod is the flush interval.
	DefaultPeriod = time.Minute

	// DefaultBatchSize caps how many records one run drains per category.
	DefaultBatchSize = 1000
)

// BatchSink persists a drained batch.
type BatchSink interface {
	SaveTelemetryBatch(ctx context.Context, category store.Category, records []store.TelemetryRecord) error
}

// Config holds the configuration for a Flusher.
type Config struct {
	Logger *slog.Logger
	Buffer *buffer.Buffer
	Sink   BatchSink
	// Period defaults to DefaultPeriod when zero.
	Period time.Duration
	// BatchSize defaults to DefaultBatchSize when zero.
	BatchSize int
	Metrics   *metrics.PipelineMetrics
}

// Flusher periodically drains each category queue and bulk-inserts the
// batch. A failed insert loses the drained batch: the records stay
// readable through the latest-by-device map until overwritten, but are
// gone from the queue. That trade favors ingestion throughput over
// at-least-once persistence. One category's failure never blocks the
// other, and an already-running guard keeps slow runs from piling up.
type Flusher struct {
	logger    *slog.Logger
	buffer    *buffer.Buffer
	sink      BatchSink
	period    time.Duration
	batchSize int
	metrics   *metrics.PipelineMetrics

	running atomic.Bool
	done    chan struct{}
}

// New creates a Flusher.
func New(cfg *Config) (*Flusher, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Buffer == nil {
		return nil, errors.New("buffer cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}

	period := cfg.Period
	if period == 0 {
		period = DefaultPeriod
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	return &Flusher{
		logger:    cfg.Logger,
		buffer:    cfg.Buffer,
		sink:      cfg.Sink,
		period:    period,
		batchSize: batchSize,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the periodic flush loop.
func (f *Flusher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.period)
		defer ticker.Stop()

		f.logger.Info("batch flusher started", "period", f.period, "batch_size", f.batchSize)

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-ticker.C:
				f.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the flush loop. A final RunOnce may be called afterwards to
// drain what remains.
func (f *Flusher) Stop() {
	close(f.done)
}

// RunOnce performs one flush pass over every category. Skipped when a
// previous pass is still running.
func (f *Flusher) RunOnce(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		f.logger.Warn("flush pass still running, skipping this tick")
		return
	}
	defer f.running.Store(false)

	for _, category := range []store.Category{store.CategoryRadiation, store.CategoryEnvironment} {
		f.flushCategory(ctx, category)
	}
}

func (f *Flusher) flushCategory(ctx context.Context, category store.Category) {
	var timer *prometheus.Timer
	if f.metrics != nil {
		timer = prometheus.NewTimer(f.metrics.FlushDuration.WithLabelValues(string(category)))
		defer timer.ObserveDuration()
	}

	batch := f.buffer.Drain(category, f.batchSize)
	if len(batch) == 0 {
		return
	}

	if err := f.sink.SaveTelemetryBatch(ctx, category, batch); err != nil {
		// The batch is already off the queue and is not re-enqueued.
		f.logger.Error("batch flush failed, records lost from durable store",
			"category", category,
			"batch_size", len(batch),
			"error", err)
		if f.metrics != nil {
			f.metrics.FlushFailures.WithLabelValues(string(category)).Inc()
		}
		return
	}

	if f.metrics != nil {
		f.metrics.RecordsFlushed.WithLabelValues(string(category)).Add(float64(len(batch)))
	}

	f.logger.Info("flushed telemetry batch",
		"category", category,
		"batch_size", len(batch),
		"remaining", f.buffer.QueueLen(category))
}
