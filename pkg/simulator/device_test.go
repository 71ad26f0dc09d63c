package simulator_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/pkg/simulator"
)

var _ = Describe("SensorDevice", func() {
	It("should generate a numeric device code", func() {
		d := simulator.NewSensorDevice(simulator.CategoryRadiation)
		Expect(d.Code).To(HaveLen(15))
		Expect(d.Code).To(MatchRegexp(`^\d+$`))
	})

	It("should address the bus by category and code", func() {
		d := simulator.NewSensorDevice(simulator.CategoryEnvironment)
		Expect(d.RoutingKey()).To(Equal("telemetry.environment." + d.Code))
	})
})

var _ = Describe("TelemetryGenerator", func() {
	var gen *simulator.TelemetryGenerator

	BeforeEach(func() {
		gen = simulator.NewTelemetryGenerator(
			simulator.NewSensorDevice(simulator.CategoryRadiation))
	})

	It("should produce a radiation payload that survives a JSON round trip", func() {
		at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		payload := gen.GenerateRadiation(at)

		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(data, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKey("CPM"))
		Expect(decoded).To(HaveKeyWithValue("time", "2026-03-14 09:30:00"))
		Expect(decoded).To(HaveKey("Batvolt"))
		Expect(decoded).To(HaveKey("LBS"))
	})

	It("should keep environment readings inside physical bounds", func() {
		for i := 0; i < 200; i++ {
			payload := gen.GenerateEnvironment(time.Now())
			Expect(payload.Wetness).To(And(
				BeNumerically(">=", 20),
				BeNumerically("<=", 95),
			))
			Expect(payload.Battery).To(And(
				BeNumerically(">=", 5),
				BeNumerically("<=", 100),
			))
		}
	})

	It("should keep the count rate positive", func() {
		for i := 0; i < 200; i++ {
			Expect(gen.GenerateCPM()).To(BeNumerically(">", 0))
		}
	})
})
