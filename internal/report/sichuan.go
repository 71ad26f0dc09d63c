// Package report dispatches device readings to the two regulatory
// platforms and records every attempt.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"procodus.dev/radwatch/internal/crypto"
	"procodus.dev/radwatch/internal/protocol"
	"procodus.dev/radwatch/internal/store"
)

// Reporter sends one device reading to an external platform. An error
// return means the attempt failed; there is no retry inside a Reporter.
type Reporter interface {
	Report(ctx context.Context, cfg *store.ReportConfig, rec *store.RadiationReading) error
}

// DefaultReportTimeout bounds a single report attempt on either platform.
const DefaultReportTimeout = 10 * time.Second

// The regulatory nuclide code reported when the device has none assigned.
const defaultNuclide = "Cs-137"

// SichuanConfig holds the configuration for the Sichuan reporter.
type SichuanConfig struct {
	Logger *slog.Logger
	URL    string
	APIKey string
	// SM2PublicKey is the platform's hex-encoded public key. When empty
	// the payload is sent in plaintext.
	SM2PublicKey string
	// Timeout defaults to DefaultReportTimeout when zero.
	Timeout time.Duration
}

// SichuanReporter uploads hourly readings to the Sichuan platform over
// HTTPS, SM2-encrypting the payload when a public key is configured.
type SichuanReporter struct {
	logger    *slog.Logger
	url       string
	apiKey    string
	encryptor *crypto.Encryptor
	client    *http.Client
}

type sichuanPayload struct {
	DeviceCode string            `json:"deviceCode"`
	ParamType  string            `json:"paramType"`
	DataType   string            `json:"dataType"`
	Timestamp  int64             `json:"timestamp"`
	Data       []sichuanDataItem `json:"data"`
}

type sichuanDataItem struct {
	DataTime string `json:"dataTime"`
	DataStr  string `json:"dataStr"`
}

type sichuanDataStr struct {
	Code    string  `json:"CODE"`
	Nuclide string  `json:"Nuclide"`
	GPS     int     `json:"GPS"`
	LNG     string  `json:"LNG,omitempty"`
	LAT     string  `json:"LAT,omitempty"`
	FSY     float64 `json:"FSY"`
	Vbat    string  `json:"Vbat"`
}

// NewSichuanReporter creates a SichuanReporter.
func NewSichuanReporter(cfg *SichuanConfig) (*SichuanReporter, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	if cfg.APIKey == "" {
		return nil, errors.New("api key cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultReportTimeout
	}

	var encryptor *crypto.Encryptor
	if cfg.SM2PublicKey != "" {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.SM2PublicKey)
		if err != nil {
			return nil, err
		}
	}

	return &SichuanReporter{
		logger:    cfg.Logger,
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		encryptor: encryptor,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Report uploads one reading. A 2xx response is success; any other
// response or transport error is a failure.
func (r *SichuanReporter) Report(ctx context.Context, cfg *store.ReportConfig, rec *store.RadiationReading) error {
	body, err := r.buildBody(cfg, rec)
	if err != nil {
		return err
	}

	fullURL := r.url + "?apiKey=" + url.QueryEscape(r.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("platform returned HTTP %d", resp.StatusCode)
	}

	r.logger.Info("sichuan report accepted",
		"device_code", cfg.DeviceCode,
		"http_status", resp.StatusCode)
	return nil
}

func (r *SichuanReporter) buildBody(cfg *store.ReportConfig, rec *store.RadiationReading) ([]byte, error) {
	fix, hasFix := protocol.ResolveFix(cfg.GPSPriority, rec)

	nuclide := cfg.Nuclide
	if nuclide == "" {
		nuclide = defaultNuclide
	}

	dataStr := sichuanDataStr{
		Code:    cfg.DeviceCode,
		Nuclide: nuclide,
		Vbat:    formatVoltage(rec.BattVolt),
	}
	if rec.CPM != nil {
		dataStr.FSY = *rec.CPM
	}
	if hasFix {
		dataStr.LNG = fix.Longitude
		dataStr.LAT = fix.Latitude
		if fix.Satellite {
			dataStr.GPS = 1
		}
	}

	inner, err := json.Marshal(dataStr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data string: %w", err)
	}

	recordTime := rec.RecordTime
	if recordTime.IsZero() {
		recordTime = time.Now()
	}

	payload := sichuanPayload{
		DeviceCode: cfg.DeviceCode,
		ParamType:  "HOUR",
		DataType:   "HOUR",
		Timestamp:  time.Now().UnixMilli(),
		Data: []sichuanDataItem{{
			DataTime: recordTime.Format("2006-01-02 15:04:05"),
			DataStr:  string(inner),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if r.encryptor != nil {
		encrypted, err := r.encryptor.Encrypt(body)
		if err != nil {
			return nil, err
		}
		return []byte(encrypted), nil
	}
	return body, nil
}

func formatVoltage(voltage *float64) string {
	if voltage == nil {
		return "0.0V"
	}
	return fmt.Sprintf("%.1fV", *voltage)
}
