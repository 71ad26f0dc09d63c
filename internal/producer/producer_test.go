package producer_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/radwatch/internal/producer"
	"procodus.dev/radwatch/pkg/simulator"
)

type push struct {
	routingKey string
	body       []byte
}

// capturingMQ records every publish instead of talking to a broker.
type capturingMQ struct {
	mu      sync.Mutex
	pushes  []push
	pushErr error
}

func (c *capturingMQ) Push(_ context.Context, routingKey string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushErr != nil {
		return c.pushErr
	}
	c.pushes = append(c.pushes, push{routingKey: routingKey, body: data})
	return nil
}

func (c *capturingMQ) UnsafePush(ctx context.Context, routingKey string, data []byte) error {
	return c.Push(ctx, routingKey, data)
}

func (c *capturingMQ) Consume() (<-chan amqp.Delivery, error) { return nil, nil }
func (c *capturingMQ) Close() error                           { return nil }

func (c *capturingMQ) published() []push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]push(nil), c.pushes...)
}

var _ = Describe("Producer", func() {
	var mqClient *capturingMQ

	BeforeEach(func() {
		mqClient = &capturingMQ{}
	})

	Describe("NewProducer", func() {
		It("should create a fleet of devices with generators", func() {
			p := producer.NewProducer(mqClient)
			Expect(p.Devices).NotTo(BeEmpty())
			for _, d := range p.Devices {
				Expect(d.Code).NotTo(BeEmpty())
				Expect(d.Category).To(BeElementOf(
					simulator.CategoryRadiation,
					simulator.CategoryEnvironment,
				))
			}
		})
	})

	Describe("RandomDataPoint", func() {
		It("should publish a JSON payload on the device routing key", func() {
			p := producer.NewProducer(mqClient)

			Expect(p.RandomDataPoint(context.Background())).To(Succeed())

			pushes := mqClient.published()
			Expect(pushes).To(HaveLen(1))

			parts := strings.Split(pushes[0].routingKey, ".")
			Expect(parts).To(HaveLen(3))
			Expect(parts[0]).To(Equal("telemetry"))
			Expect(parts[1]).To(BeElementOf(
				simulator.CategoryRadiation,
				simulator.CategoryEnvironment,
			))

			var decoded map[string]any
			Expect(json.Unmarshal(pushes[0].body, &decoded)).To(Succeed())
			Expect(decoded).To(HaveKey("CPM"))
		})

		It("should return the publish error", func() {
			mqClient.pushErr = errors.New("broker gone")
			p := producer.NewProducer(mqClient)

			Expect(p.RandomDataPoint(context.Background())).To(MatchError("broker gone"))
		})
	})
})

var _ = Describe("Server", func() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	Describe("NewServer", func() {
		It("should return error when producer count is zero", func() {
			s, err := producer.NewServer(&producer.ServerConfig{
				Logger:   logger,
				Interval: time.Second,
			})
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should return error when interval is zero", func() {
			s, err := producer.NewServer(&producer.ServerConfig{
				Logger:        logger,
				ProducerCount: 1,
			})
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should return error when logger is missing", func() {
			s, err := producer.NewServer(&producer.ServerConfig{
				ProducerCount: 1,
				Interval:      time.Second,
			})
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})
	})
})
