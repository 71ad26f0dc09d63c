// Package simulator generates realistic sensor fleet traffic for load and
// integration testing.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Telemetry categories understood by the pipeline.
const (
	CategoryRadiation   = "radiation"
	CategoryEnvironment = "environment"
)

// SensorDevice is a simulated field device identity.
type SensorDevice struct {
	Code      string
	Category  string
	Longitude float64
	Latitude  float64
}

// NewSensorDevice creates a device with a fresh IMEI-style code placed
// somewhere on the mainland.
func NewSensorDevice(category string) *SensorDevice {
	return &SensorDevice{
		Code:      gofakeit.Numerify("86522908#######"),
		Category:  category,
		Longitude: 97 + rand.Float64()*25, // #nosec G404 - weak random is acceptable for simulation
		Latitude:  21 + rand.Float64()*20, // #nosec G404
	}
}

// RoutingKey returns the bus address the device publishes to.
func (d *SensorDevice) RoutingKey() string {
	return fmt.Sprintf("telemetry.%s.%s", d.Category, d.Code)
}

// PositionFix mirrors the satellite/cellular position blocks devices emit.
type PositionFix struct {
	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`
	UTC       string `json:"UTC,omitempty"`
	Useful    int    `json:"useful"`
}

// RadiationPayload is the raw message shape of a radiation monitor.
// CPM is typed loosely because real units occasionally emit garbage in
// numeric fields, and the simulator reproduces that.
type RadiationPayload struct {
	Src     int          `json:"src"`
	MsgType int          `json:"msgtype"`
	CPM     any          `json:"CPM"`
	Batvolt float64      `json:"Batvolt"`
	Time    string       `json:"time"`
	Trigger int          `json:"trigger"`
	Multi   int          `json:"multi"`
	Way     int          `json:"way"`
	BDS     *PositionFix `json:"BDS,omitempty"`
	LBS     *PositionFix `json:"LBS,omitempty"`
}

// EnvironmentPayload is the raw message shape of an environment station.
type EnvironmentPayload struct {
	Src         int     `json:"src"`
	CPM         any     `json:"CPM"`
	Temperature float64 `json:"temperature"`
	Wetness     float64 `json:"wetness"`
	WindSpeed   float64 `json:"windspeed"`
	Total       float64 `json:"total"`
	Battery     float64 `json:"battery"`
}

// TelemetryGenerator produces correlated readings for one device.
// Note: uses math/rand throughout, which is acceptable for simulation data.
type TelemetryGenerator struct {
	device      *SensorDevice
	baselineCPM float64
	noise       float64
	batteryMV   float64
	batteryPct  float64
}

// NewTelemetryGenerator creates a generator seeded with per-device
// baselines.
func NewTelemetryGenerator(device *SensorDevice) *TelemetryGenerator {
	return &TelemetryGenerator{
		device:      device,
		baselineCPM: 20 + rand.Float64()*25, // #nosec G404
		noise:       1 + rand.Float64()*3,   // #nosec G404
		batteryMV:   3700 + rand.Float64()*300,
		batteryPct:  70 + rand.Float64()*30,
	}
}

// GenerateCPM produces a count rate around the device baseline with
// occasional spikes.
func (g *TelemetryGenerator) GenerateCPM() float64 {
	cpm := g.baselineCPM + (rand.Float64()-0.5)*g.noise

	// Occasional source-passage spike (2% chance)
	if rand.Float64() < 0.02 {
		cpm *= 5 + rand.Float64()*10
	}

	return math.Round(cpm*10) / 10
}

// GenerateRadiation produces one radiation message for the given instant.
func (g *TelemetryGenerator) GenerateRadiation(t time.Time) *RadiationPayload {
	// Battery drains slowly with small recovery jitter
	g.batteryMV -= rand.Float64() * 0.5
	g.batteryMV = math.Max(3200, g.batteryMV)

	payload := &RadiationPayload{
		Src:     1,
		MsgType: 1,
		CPM:     g.GenerateCPM(),
		Batvolt: math.Round(g.batteryMV),
		Time:    t.Format("2006-01-02 15:04:05"),
		Trigger: 0,
		Multi:   1,
		Way:     1,
		LBS: &PositionFix{
			Longitude: formatCoordinate(g.device.Longitude, 0.01),
			Latitude:  formatCoordinate(g.device.Latitude, 0.01),
			Useful:    1,
		},
	}

	// Satellite fix is usually available but drops out indoors
	if rand.Float64() < 0.8 {
		useful := 0
		if rand.Float64() < 0.85 {
			useful = 1
		}
		payload.BDS = &PositionFix{
			Longitude: formatCoordinate(g.device.Longitude, 0.001),
			Latitude:  formatCoordinate(g.device.Latitude, 0.001),
			UTC:       t.UTC().Format("150405"),
			Useful:    useful,
		}
	}

	// Real units occasionally emit garbage in numeric fields (3% chance)
	if rand.Float64() < 0.03 {
		payload.CPM = "----"
	}

	return payload
}

// GenerateEnvironment produces one environment message for the given
// instant.
func (g *TelemetryGenerator) GenerateEnvironment(t time.Time) *EnvironmentPayload {
	hour := float64(t.Hour())

	// Daily temperature cycle peaking mid-afternoon
	temperature := 18 + 8*math.Sin((hour-6)*math.Pi/12) + (rand.Float64()-0.5)*2

	// Humidity runs inverse to temperature
	wetness := math.Max(20, math.Min(95,
		65-3*math.Sin((hour-6)*math.Pi/12)+(rand.Float64()-0.5)*8))

	g.batteryPct -= rand.Float64() * 0.01
	g.batteryPct = math.Max(5, g.batteryPct)

	cpm := g.GenerateCPM()

	payload := &EnvironmentPayload{
		Src:         1,
		CPM:         cpm,
		Temperature: math.Round(temperature*10) / 10,
		Wetness:     math.Round(wetness*10) / 10,
		WindSpeed:   math.Round(rand.Float64()*80) / 10,
		Total:       math.Round(cpm*0.0057*1000) / 1000,
		Battery:     math.Round(g.batteryPct*10) / 10,
	}

	if rand.Float64() < 0.03 {
		payload.CPM = "----"
	}

	return payload
}

// formatCoordinate renders a decimal-degree coordinate with positional
// jitter, the way a receiver reports it.
func formatCoordinate(base, jitter float64) string {
	return fmt.Sprintf("%.6f", base+(rand.Float64()-0.5)*jitter)
}
