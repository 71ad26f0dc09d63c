// Package producer generates simulated sensor fleet traffic and publishes
// it to the message bus.
package producer

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/radwatch/pkg/metrics"
	"procodus.dev/radwatch/pkg/mq"
	"procodus.dev/radwatch/pkg/simulator"
)

// Producer owns a small simulated fleet and publishes its readings.
type Producer struct {
	MQClient   mq.ClientInterface
	Devices    []*simulator.SensorDevice
	generators map[string]*simulator.TelemetryGenerator
	metrics    *metrics.SimulatorMetrics
}

// NewProducer creates a producer with a random mixed fleet of radiation
// and environment devices.
// Note: uses math/rand for fleet composition, which is acceptable for
// simulation data.
func NewProducer(mqClient mq.ClientInterface) *Producer {
	deviceCount := rand.Intn(5) + 2 // #nosec G404 - weak random is acceptable for test data generation

	devices := make([]*simulator.SensorDevice, 0, deviceCount)
	generators := make(map[string]*simulator.TelemetryGenerator, deviceCount)
	for i := range deviceCount {
		category := simulator.CategoryRadiation
		if i%3 == 2 {
			category = simulator.CategoryEnvironment
		}
		device := simulator.NewSensorDevice(category)
		devices = append(devices, device)
		generators[device.Code] = simulator.NewTelemetryGenerator(device)
	}

	return &Producer{
		MQClient:   mqClient,
		Devices:    devices,
		generators: generators,
	}
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.SimulatorMetrics) {
	p.metrics = m
	if m != nil {
		m.DevicesSimulated.Add(float64(len(p.Devices)))
	}
}

// RandomDataPoint generates a reading for a random fleet device and
// publishes it to the bus.
func (p *Producer) RandomDataPoint(ctx context.Context) error {
	device := p.Devices[rand.Intn(len(p.Devices))] // #nosec G404 - weak random is acceptable for simulation
	gen := p.generators[device.Code]

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.GenerationDuration.WithLabelValues(device.Category))
		defer timer.ObserveDuration()
	}

	var payload any
	switch device.Category {
	case simulator.CategoryEnvironment:
		payload = gen.GenerateEnvironment(time.Now())
	default:
		payload = gen.GenerateRadiation(time.Now())
	}

	message, err := json.Marshal(payload)
	if err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues(device.Category, "marshal_error").Inc()
		}
		return err
	}

	if err := p.MQClient.Push(ctx, device.RoutingKey(), message); err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues(device.Category, "push_error").Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.MessagesGenerated.WithLabelValues(device.Category).Inc()
	}

	return nil
}
