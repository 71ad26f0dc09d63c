// Package buffer holds telemetry in memory between ingestion and the
// periodic flush and report jobs.
package buffer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
)

// How long a latest-by-device entry stays readable without being
// overwritten by a fresh ingest.
const latestTTL = 10 * time.Minute

// Buffer keeps two structures per category: an unbounded FIFO queue of
// records awaiting persistence, and a latest-by-device map shared across
// categories. Producers never block. Draining the queue does not touch
// the latest map.
type Buffer struct {
	logger  *slog.Logger
	queues  map[store.Category]*queue
	latest  map[string]latestEntry
	mu      sync.RWMutex // guards latest
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

type latestEntry struct {
	record   store.TelemetryRecord
	storedAt time.Time
}

// queue is a per-category FIFO. Its mutex also serializes concurrent
// drains so no record is handed out twice.
type queue struct {
	mu      sync.Mutex
	records []store.TelemetryRecord
}

// New creates a Buffer with one queue per known category.
func New(logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Buffer{
		logger: logger,
		queues: map[store.Category]*queue{
			store.CategoryRadiation:   {},
			store.CategoryEnvironment: {},
		},
		latest: make(map[string]latestEntry),
		now:    time.Now,
	}, nil
}

// SetMetrics sets the metrics collector for this buffer.
func (b *Buffer) SetMetrics(m *metrics.PipelineMetrics) {
	b.metrics = m
}

// Enqueue appends the record to its category queue and overwrites the
// latest-by-device slot. Concurrent enqueues for the same device leave
// the slot holding whichever write landed last.
func (b *Buffer) Enqueue(record store.TelemetryRecord) error {
	q, ok := b.queues[record.TelemetryCategory()]
	if !ok {
		return errors.New("unknown telemetry category")
	}

	q.mu.Lock()
	q.records = append(q.records, record)
	depth := len(q.records)
	q.mu.Unlock()

	b.mu.Lock()
	b.latest[record.TelemetryDevice()] = latestEntry{
		record:   record,
		storedAt: b.now(),
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BufferQueueDepth.WithLabelValues(string(record.TelemetryCategory())).Set(float64(depth))
	}

	return nil
}

// Drain atomically removes up to maxBatch of the oldest queued records for
// the category and returns them. Concurrent drains for the same category
// are serialized, so no record is drained twice. The latest-by-device map
// is unaffected.
func (b *Buffer) Drain(category store.Category, maxBatch int) []store.TelemetryRecord {
	q, ok := b.queues[category]
	if !ok || maxBatch <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := maxBatch
	if n > len(q.records) {
		n = len(q.records)
	}
	if n == 0 {
		return nil
	}

	batch := make([]store.TelemetryRecord, n)
	copy(batch, q.records[:n])
	remaining := make([]store.TelemetryRecord, len(q.records)-n)
	copy(remaining, q.records[n:])
	q.records = remaining

	if b.metrics != nil {
		b.metrics.BufferQueueDepth.WithLabelValues(string(category)).Set(float64(len(q.records)))
	}

	return batch
}

// PeekLatest returns the freshest record seen for the device, or false if
// the device has never reported or its entry has aged past the TTL.
func (b *Buffer) PeekLatest(deviceCode string) (store.TelemetryRecord, bool) {
	b.mu.RLock()
	entry, ok := b.latest[deviceCode]
	b.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if b.now().Sub(entry.storedAt) > latestTTL {
		return nil, false
	}
	return entry.record, true
}

// LastSeen returns when the device's latest entry was stored, ignoring the
// TTL. Used by the offline sweep as the fast path before falling back to
// the durable device row.
func (b *Buffer) LastSeen(deviceCode string) (time.Time, bool) {
	b.mu.RLock()
	entry, ok := b.latest[deviceCode]
	b.mu.RUnlock()

	if !ok {
		return time.Time{}, false
	}
	return entry.storedAt, true
}

// QueueLen returns the number of records awaiting flush for the category.
func (b *Buffer) QueueLen(category store.Category) int {
	q, ok := b.queues[category]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
