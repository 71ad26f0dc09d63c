package flush_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/internal/buffer"
	"procodus.dev/radwatch/internal/flush"
	"procodus.dev/radwatch/internal/store"
)

// fakeSink collects saved batches and can be told to fail per category.
type fakeSink struct {
	mu      sync.Mutex
	batches map[store.Category][][]store.TelemetryRecord
	fail    map[store.Category]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		batches: make(map[store.Category][][]store.TelemetryRecord),
		fail:    make(map[store.Category]bool),
	}
}

func (f *fakeSink) SaveTelemetryBatch(_ context.Context, category store.Category, records []store.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[category] {
		return errors.New("insert failed")
	}
	f.batches[category] = append(f.batches[category], records)
	return nil
}

func (f *fakeSink) saved(category store.Category) [][]store.TelemetryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]store.TelemetryRecord(nil), f.batches[category]...)
}

var _ = Describe("Flusher", func() {
	var (
		logger *slog.Logger
		buf    *buffer.Buffer
		sink   *fakeSink
		ctx    context.Context
	)

	enqueueRadiation := func(n int) {
		for i := 0; i < n; i++ {
			rec := &store.RadiationReading{
				DeviceCode: fmt.Sprintf("RAD-%03d", i),
				RecordTime: time.Now(),
			}
			Expect(buf.Enqueue(rec)).To(Succeed())
		}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		var err error
		buf, err = buffer.New(logger)
		Expect(err).NotTo(HaveOccurred())
		sink = newFakeSink()
		ctx = context.Background()
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			f, err := flush.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(f).To(BeNil())
		})

		It("should return error when the sink is nil", func() {
			f, err := flush.New(&flush.Config{Logger: logger, Buffer: buf})
			Expect(err).To(HaveOccurred())
			Expect(f).To(BeNil())
		})
	})

	Describe("RunOnce", func() {
		It("should drain at most the batch cap and leave the rest queued", func() {
			enqueueRadiation(25)

			f, err := flush.New(&flush.Config{
				Logger:    logger,
				Buffer:    buf,
				Sink:      sink,
				BatchSize: 10,
			})
			Expect(err).NotTo(HaveOccurred())

			f.RunOnce(ctx)

			batches := sink.saved(store.CategoryRadiation)
			Expect(batches).To(HaveLen(1))
			Expect(batches[0]).To(HaveLen(10))
			Expect(buf.QueueLen(store.CategoryRadiation)).To(Equal(15))

			f.RunOnce(ctx)
			f.RunOnce(ctx)
			Expect(buf.QueueLen(store.CategoryRadiation)).To(Equal(0))
			Expect(sink.saved(store.CategoryRadiation)).To(HaveLen(3))
		})

		It("should not save anything when the queue is empty", func() {
			f, err := flush.New(&flush.Config{Logger: logger, Buffer: buf, Sink: sink})
			Expect(err).NotTo(HaveOccurred())

			f.RunOnce(ctx)
			Expect(sink.saved(store.CategoryRadiation)).To(BeEmpty())
			Expect(sink.saved(store.CategoryEnvironment)).To(BeEmpty())
		})

		It("should drop the drained batch when the insert fails", func() {
			enqueueRadiation(5)
			sink.fail[store.CategoryRadiation] = true

			f, err := flush.New(&flush.Config{Logger: logger, Buffer: buf, Sink: sink})
			Expect(err).NotTo(HaveOccurred())

			f.RunOnce(ctx)

			// Gone from the queue, not re-enqueued.
			Expect(buf.QueueLen(store.CategoryRadiation)).To(Equal(0))
			Expect(sink.saved(store.CategoryRadiation)).To(BeEmpty())

			// Still visible through the latest-by-device map.
			_, ok := buf.PeekLatest("RAD-000")
			Expect(ok).To(BeTrue())
		})

		It("should flush one category even when the other fails", func() {
			enqueueRadiation(3)
			Expect(buf.Enqueue(&store.EnvironmentReading{
				DeviceCode: "ENV-001",
				RecordTime: time.Now(),
			})).To(Succeed())
			sink.fail[store.CategoryRadiation] = true

			f, err := flush.New(&flush.Config{Logger: logger, Buffer: buf, Sink: sink})
			Expect(err).NotTo(HaveOccurred())

			f.RunOnce(ctx)

			Expect(sink.saved(store.CategoryRadiation)).To(BeEmpty())
			Expect(sink.saved(store.CategoryEnvironment)).To(HaveLen(1))
		})
	})

	Describe("Start", func() {
		It("should flush on the configured period", func() {
			enqueueRadiation(2)

			f, err := flush.New(&flush.Config{
				Logger: logger,
				Buffer: buf,
				Sink:   sink,
				Period: 20 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			f.Start(ctx)
			defer f.Stop()

			Eventually(func() int {
				return len(sink.saved(store.CategoryRadiation))
			}).Should(BeNumerically(">=", 1))
		})
	})
})
