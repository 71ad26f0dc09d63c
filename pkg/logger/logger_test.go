package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should create a non-nil logger with default config", func() {
			Expect(logger.New(logger.DefaultConfig())).NotTo(BeNil())
		})

		It("should fall back to defaults with a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings correctly",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("invalid defaults to info", "invalid", slog.LevelInfo),
			Entry("empty string defaults to info", "", slog.LevelInfo),
		)
	})

	Describe("output format", func() {
		var (
			buf *bytes.Buffer
			log *slog.Logger
		)

		BeforeEach(func() {
			buf = &bytes.Buffer{}
			log = logger.New(&logger.Config{
				Level:  slog.LevelInfo,
				Output: buf,
			})
		})

		It("should emit one JSON object per record with the standard fields", func() {
			log.Info("device registered", "device_code", "RAD-001")

			var entry map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "device registered"))
			Expect(entry).To(HaveKeyWithValue("device_code", "RAD-001"))
		})

		It("should suppress records below the configured level", func() {
			log.Debug("noise")
			Expect(strings.TrimSpace(buf.String())).To(BeEmpty())
		})
	})

	Describe("WithContext", func() {
		It("should carry context fields onto every record", func() {
			buf := &bytes.Buffer{}
			log := logger.WithContext(
				logger.New(&logger.Config{Level: slog.LevelInfo, Output: buf}),
				slog.String("component", "flusher"),
			)

			log.Info("flushed telemetry batch")

			var entry map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
			Expect(entry).To(HaveKeyWithValue("component", "flusher"))
		})
	})
})
