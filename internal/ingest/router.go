package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/radwatch/internal/buffer"
	"procodus.dev/radwatch/internal/cache"
	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
	"procodus.dev/radwatch/pkg/mq"
)

// DeviceResolver looks up a device row, normally through the device cache.
type DeviceResolver interface {
	Get(ctx context.Context, code string) (*store.Device, error)
}

// DeviceRegistrar covers the store operations ingestion performs.
type DeviceRegistrar interface {
	EnsureDevice(ctx context.Context, code string, category store.Category) (*store.Device, error)
	UpdateDeviceLastSeen(ctx context.Context, code string, seen time.Time) error
}

// Dispatcher receives newly ingested radiation readings for regulatory
// reporting.
type Dispatcher interface {
	Submit(rec *store.RadiationReading)
}

// CPMConversion scales raw count rates into reported units.
type CPMConversion struct {
	Enabled           bool
	RadiationFactor   float64
	EnvironmentFactor float64
}

// RouterConfig holds the configuration for the ingestion Router.
type RouterConfig struct {
	Logger    *slog.Logger
	MQClient  mq.ClientInterface
	Devices   DeviceResolver
	Registrar DeviceRegistrar
	Buffer    *buffer.Buffer
	Status    *cache.StatusCache
	Reports   Dispatcher
	CPM       CPMConversion
	Metrics   *metrics.PipelineMetrics
}

// Router consumes telemetry deliveries, auto-registers unknown devices,
// and fans each record into the buffer, the liveness cache, and (for
// radiation) the report dispatch. Processing is best-effort per message:
// every delivery is acked, and a failed side effect never blocks the next
// message.
type Router struct {
	logger    *slog.Logger
	mqClient  mq.ClientInterface
	devices   DeviceResolver
	registrar DeviceRegistrar
	buffer    *buffer.Buffer
	status    *cache.StatusCache
	reports   Dispatcher
	cpm       CPMConversion
	metrics   *metrics.PipelineMetrics
	done      chan struct{}
}

// NewRouter creates an ingestion Router.
func NewRouter(cfg *RouterConfig) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("router config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.MQClient == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Devices == nil {
		return nil, errors.New("device resolver cannot be nil")
	}

	if cfg.Registrar == nil {
		return nil, errors.New("device registrar cannot be nil")
	}

	if cfg.Buffer == nil {
		return nil, errors.New("buffer cannot be nil")
	}

	if cfg.Status == nil {
		return nil, errors.New("status cache cannot be nil")
	}

	if cfg.Reports == nil {
		return nil, errors.New("report dispatcher cannot be nil")
	}

	return &Router{
		logger:    cfg.Logger,
		mqClient:  cfg.MQClient,
		devices:   cfg.Devices,
		registrar: cfg.Registrar,
		buffer:    cfg.Buffer,
		status:    cfg.Status,
		reports:   cfg.Reports,
		cpm:       cfg.CPM,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming telemetry from the message bus.
func (r *Router) Start(ctx context.Context) error {
	r.logger.Info("starting ingestion router")

	// Wait for MQ client to be ready
	time.Sleep(2 * time.Second)

	deliveries, err := r.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	r.logger.Info("ingestion router started, waiting for telemetry")

	go r.processMessages(ctx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (r *Router) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("context canceled, stopping message processing")
			close(r.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Warn("deliveries channel closed")
				close(r.done)
				return
			}

			r.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery ingests a single message. The delivery is always acked:
// telemetry is best-effort at this hop, and durability is the flusher's
// concern.
func (r *Router) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if err := r.Ingest(ctx, delivery.RoutingKey, delivery.Body); err != nil {
		r.logger.Error("failed to ingest telemetry",
			"routing_key", delivery.RoutingKey,
			"error", err)
	}

	if err := delivery.Ack(false); err != nil {
		r.logger.Error("failed to ack message", "error", err)
	}
}

// Ingest processes one raw telemetry message addressed by its routing key.
func (r *Router) Ingest(ctx context.Context, routingKey string, body []byte) error {
	var timer *prometheus.Timer
	defer func() {
		if timer != nil {
			timer.ObserveDuration()
		}
	}()

	category, deviceCode, err := ParseAddress(routingKey)
	if err != nil {
		r.countFailure("malformed_address")
		return fmt.Errorf("dropping message with bad address %q: %w", routingKey, err)
	}

	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.IngestDuration.WithLabelValues(string(category)))
	}

	if err := r.resolveDevice(ctx, deviceCode, category); err != nil {
		r.countFailure("device_resolution")
		return fmt.Errorf("dropping message for unresolvable device %s: %w", deviceCode, err)
	}

	var record store.TelemetryRecord
	switch category {
	case store.CategoryRadiation:
		record = ParseRadiation(r.logger, deviceCode, body, r.radiationFactor())
	case store.CategoryEnvironment:
		record = ParseEnvironment(r.logger, deviceCode, body, r.environmentFactor())
	}

	// Buffer write failures are logged but do not fail the ingest; the
	// liveness update below must still happen.
	if err := r.buffer.Enqueue(record); err != nil {
		r.logger.Error("failed to buffer telemetry record",
			"device_code", deviceCode,
			"error", err)
	}

	now := time.Now().UTC()
	r.status.MarkSeen(deviceCode, now)

	if err := r.registrar.UpdateDeviceLastSeen(ctx, deviceCode, now); err != nil {
		r.logger.Warn("failed to persist device last-seen",
			"device_code", deviceCode,
			"error", err)
	}

	if rad, ok := record.(*store.RadiationReading); ok {
		r.reports.Submit(rad)
	}

	if r.metrics != nil {
		r.metrics.MessagesIngested.WithLabelValues(string(category)).Inc()
	}

	r.logger.Debug("telemetry ingested",
		"device_code", deviceCode,
		"category", category)
	return nil
}

// resolveDevice finds the device or auto-registers it on first contact.
// Registration is idempotent under concurrent first messages; every racer
// observes the row that won.
func (r *Router) resolveDevice(ctx context.Context, code string, category store.Category) error {
	_, err := r.devices.Get(ctx, code)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrDeviceNotFound) {
		return err
	}

	if _, err := r.registrar.EnsureDevice(ctx, code, category); err != nil {
		return err
	}

	r.logger.Info("auto-registered device on first contact",
		"device_code", code,
		"category", category)
	if r.metrics != nil {
		r.metrics.DevicesRegistered.Inc()
	}
	return nil
}

func (r *Router) countFailure(reason string) {
	if r.metrics != nil {
		r.metrics.IngestFailures.WithLabelValues(reason).Inc()
	}
}

func (r *Router) radiationFactor() float64 {
	if !r.cpm.Enabled {
		return 0
	}
	return r.cpm.RadiationFactor
}

func (r *Router) environmentFactor() float64 {
	if !r.cpm.Enabled {
		return 0
	}
	return r.cpm.EnvironmentFactor
}

// Stop closes the MQ client and waits for in-flight processing.
func (r *Router) Stop() error {
	r.logger.Info("stopping ingestion router")

	if err := r.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-r.done

	r.logger.Info("ingestion router stopped")
	return nil
}
