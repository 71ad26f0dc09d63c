// Package ingest consumes raw telemetry from the message bus, resolves
// devices, and feeds the in-memory buffer and report dispatch.
package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"procodus.dev/radwatch/internal/store"
)

// Routing keys look like telemetry.{category}.{deviceCode}.
const addressPrefix = "telemetry"

// ErrMalformedAddress is returned for a routing key that does not encode
// a known category and a device code.
var ErrMalformedAddress = errors.New("malformed telemetry address")

// ParseAddress extracts the category and device code from a routing key.
func ParseAddress(routingKey string) (store.Category, string, error) {
	parts := strings.Split(routingKey, ".")
	if len(parts) != 3 || parts[0] != addressPrefix || parts[2] == "" {
		return "", "", ErrMalformedAddress
	}

	category := store.Category(parts[1])
	if !category.Valid() {
		return "", "", ErrMalformedAddress
	}
	return category, parts[2], nil
}

// fieldReader pulls individually optional fields out of a decoded JSON
// body. A missing or unparseable field yields nil and, for malformed
// values, a warning; it never fails the record.
type fieldReader struct {
	logger *slog.Logger
	device string
	raw    map[string]any
}

func (f *fieldReader) float(key string) *float64 {
	v, ok := f.raw[key]
	if !ok || v == nil {
		return nil
	}

	switch val := v.(type) {
	case float64:
		return &val
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			f.warn(key, v)
			return nil
		}
		return &parsed
	default:
		f.warn(key, v)
		return nil
	}
}

func (f *fieldReader) int(key string) *int {
	v := f.float(key)
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func (f *fieldReader) str(key string) string {
	v, ok := f.raw[key]
	if !ok || v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		f.warn(key, v)
		return ""
	}
}

func (f *fieldReader) object(key string) *fieldReader {
	v, ok := f.raw[key]
	if !ok || v == nil {
		return nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		f.warn(key, v)
		return nil
	}
	return &fieldReader{logger: f.logger, device: f.device, raw: obj}
}

func (f *fieldReader) warn(key string, value any) {
	f.logger.Warn("dropping unparseable telemetry field",
		"device_code", f.device,
		"field", key,
		"value", value)
}

// decodeBody parses the payload into a field reader. A body that is not a
// JSON object yields an empty reader; the raw payload is still kept on
// the record.
func decodeBody(logger *slog.Logger, device string, body []byte) *fieldReader {
	raw := make(map[string]any)
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn("telemetry payload is not a JSON object, keeping raw only",
			"device_code", device,
			"error", err)
		raw = map[string]any{}
	}
	return &fieldReader{logger: logger, device: device, raw: raw}
}

// ParseRadiation builds a radiation reading from a raw payload.
// Every field is optional; battery voltage arrives in millivolts and is
// stored in volts; the count rate is divided by cpmFactor when positive.
func ParseRadiation(logger *slog.Logger, device string, body []byte, cpmFactor float64) *store.RadiationReading {
	f := decodeBody(logger, device, body)

	rec := &store.RadiationReading{
		RecordTime:  time.Now().UTC(),
		DeviceCode:  device,
		RawPayload:  string(body),
		CaptureTime: f.str("time"),
		Src:         f.int("src"),
		MsgType:     f.int("msgtype"),
		Trigger:     f.int("trigger"),
		Multi:       f.int("multi"),
		Way:         f.int("way"),
	}

	if cpm := f.float("CPM"); cpm != nil {
		if cpmFactor > 0 {
			scaled := *cpm / cpmFactor
			rec.CPM = &scaled
		} else {
			rec.CPM = cpm
		}
	}

	if mv := f.float("Batvolt"); mv != nil {
		volts := *mv / 1000
		rec.BattVolt = &volts
	}

	if bds := f.object("BDS"); bds != nil {
		rec.SatLongitude = bds.str("longitude")
		rec.SatLatitude = bds.str("latitude")
		rec.SatUTC = bds.str("UTC")
		rec.SatValid = bds.int("useful")
	}

	if lbs := f.object("LBS"); lbs != nil {
		rec.CellLongitude = lbs.str("longitude")
		rec.CellLatitude = lbs.str("latitude")
		rec.CellValid = lbs.int("useful")
	}

	return rec
}

// ParseEnvironment builds an environment reading from a raw payload.
// Every field is optional; the count rate is divided by cpmFactor when
// positive.
func ParseEnvironment(logger *slog.Logger, device string, body []byte, cpmFactor float64) *store.EnvironmentReading {
	f := decodeBody(logger, device, body)

	rec := &store.EnvironmentReading{
		RecordTime:  time.Now().UTC(),
		DeviceCode:  device,
		RawPayload:  string(body),
		Temperature: f.float("temperature"),
		Humidity:    f.float("wetness"),
		WindSpeed:   f.float("windspeed"),
		Composite:   f.float("total"),
		Battery:     f.float("battery"),
	}

	if cpm := f.float("CPM"); cpm != nil {
		if cpmFactor > 0 {
			scaled := *cpm / cpmFactor
			rec.CPM = &scaled
		} else {
			rec.CPM = cpm
		}
	}

	return rec
}
