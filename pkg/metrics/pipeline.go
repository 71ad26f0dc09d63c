package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the telemetry pipeline.
type PipelineMetrics struct {
	MessagesIngested    *prometheus.CounterVec
	IngestFailures      *prometheus.CounterVec
	IngestDuration      *prometheus.HistogramVec
	DevicesRegistered   prometheus.Counter
	BufferQueueDepth    *prometheus.GaugeVec
	RecordsFlushed      *prometheus.CounterVec
	FlushFailures       *prometheus.CounterVec
	FlushDuration       *prometheus.HistogramVec
	ReportsDispatched   *prometheus.CounterVec
	ReportsDropped      prometheus.Counter
	ReportDuration      *prometheus.HistogramVec
	OfflineAlertsRaised prometheus.Counter
	OfflineAlertsClosed prometheus.Counter
}

// NewPipelineMetrics creates and registers telemetry pipeline metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	m := &PipelineMetrics{
		MessagesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "messages_ingested_total",
				Help:      "Total number of telemetry messages ingested",
			},
			[]string{"category"},
		),
		IngestFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "ingest_failures_total",
				Help:      "Total number of failed ingestions",
			},
			[]string{"reason"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "ingest_duration_seconds",
				Help:      "Duration of message ingestion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		DevicesRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "devices_registered_total",
				Help:      "Total number of devices auto-registered on first contact",
			},
		),
		BufferQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "buffer_queue_depth",
				Help:      "Current number of buffered telemetry records awaiting flush",
			},
			[]string{"category"},
		),
		RecordsFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "records_flushed_total",
				Help:      "Total number of telemetry records persisted by the flusher",
			},
			[]string{"category"},
		),
		FlushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "flush_failures_total",
				Help:      "Total number of failed batch flushes",
			},
			[]string{"category"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "flush_duration_seconds",
				Help:      "Duration of batch flush runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		ReportsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "reports_dispatched_total",
				Help:      "Total number of regulatory report attempts",
			},
			[]string{"protocol", "status"},
		),
		ReportsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "reports_dropped_total",
				Help:      "Total number of report submissions dropped due to a full queue",
			},
		),
		ReportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "report_duration_seconds",
				Help:      "Duration of regulatory report attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		OfflineAlertsRaised: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "offline_alerts_raised_total",
				Help:      "Total number of offline alerts opened",
			},
		),
		OfflineAlertsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "offline_alerts_closed_total",
				Help:      "Total number of offline alerts resolved",
			},
		),
	}

	MustRegister(
		m.MessagesIngested,
		m.IngestFailures,
		m.IngestDuration,
		m.DevicesRegistered,
		m.BufferQueueDepth,
		m.RecordsFlushed,
		m.FlushFailures,
		m.FlushDuration,
		m.ReportsDispatched,
		m.ReportsDropped,
		m.ReportDuration,
		m.OfflineAlertsRaised,
		m.OfflineAlertsClosed,
	)

	return m
}
