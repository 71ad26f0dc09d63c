// Package sentinel watches device liveness and drives the offline alert
// lifecycle.
package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"procodus.dev/radwatch/internal/cache"
	"procodus.dev/radwatch/internal/store"
	"procodus.dev/radwatch/pkg/metrics"
)

const (
	// DefaultSweepPeriod is the interval between liveness sweeps.
	DefaultSweepPeriod = time.Minute

	// DefaultInitialDelay lets ingestion warm the liveness cache before
	// the first sweep runs.
	DefaultInitialDelay = time.Minute
)

// DeviceSource lists devices and records status transitions.
type DeviceSource interface {
	ListRegisteredDevices(ctx context.Context) ([]store.Device, error)
	UpdateDeviceStatus(ctx context.Context, code, status string) error
}

// AlertStore owns the alert lifecycle rows.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *store.Alert) error
	FindUnresolvedOfflineAlert(ctx context.Context, code string) (*store.Alert, error)
	ResolveAlert(ctx context.Context, id uint, resolvedAt time.Time) error
}

// Invalidator is told about device mutations so cached rows get evicted.
type Invalidator interface {
	DeviceMutated(code string)
}

// Config holds the configuration for a Sentinel.
type Config struct {
	Logger  *slog.Logger
	Devices DeviceSource
	Alerts  AlertStore
	Status  *cache.StatusCache
	// Threshold returns the current offline threshold. Read fresh on
	// every sweep so operators can tune it without a restart.
	Threshold func() time.Duration
	// SweepPeriod defaults to DefaultSweepPeriod when zero.
	SweepPeriod time.Duration
	// InitialDelay defaults to DefaultInitialDelay when zero. Set
	// negative to start sweeping immediately.
	InitialDelay time.Duration
	Invalidator  Invalidator
	Metrics      *metrics.PipelineMetrics
}

// Sentinel periodically compares each device's last-seen time against the
// offline threshold. Crossing the threshold opens one offline alert;
// coming back resolves it. At most one unresolved offline alert exists
// per device, and a device that goes offline again after resolution gets
// a new alert rather than a reopened one.
type Sentinel struct {
	logger       *slog.Logger
	devices      DeviceSource
	alerts       AlertStore
	status       *cache.StatusCache
	threshold    func() time.Duration
	sweepPeriod  time.Duration
	initialDelay time.Duration
	invalidator  Invalidator
	metrics      *metrics.PipelineMetrics

	running atomic.Bool
	done    chan struct{}
}

// New creates a Sentinel.
func New(cfg *Config) (*Sentinel, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Devices == nil {
		return nil, errors.New("device source cannot be nil")
	}

	if cfg.Alerts == nil {
		return nil, errors.New("alert store cannot be nil")
	}

	if cfg.Status == nil {
		return nil, errors.New("status cache cannot be nil")
	}

	if cfg.Threshold == nil {
		return nil, errors.New("threshold source cannot be nil")
	}

	sweepPeriod := cfg.SweepPeriod
	if sweepPeriod == 0 {
		sweepPeriod = DefaultSweepPeriod
	}

	initialDelay := cfg.InitialDelay
	if initialDelay == 0 {
		initialDelay = DefaultInitialDelay
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	return &Sentinel{
		logger:       cfg.Logger,
		devices:      cfg.Devices,
		alerts:       cfg.Alerts,
		status:       cfg.Status,
		threshold:    cfg.Threshold,
		sweepPeriod:  sweepPeriod,
		initialDelay: initialDelay,
		invalidator:  cfg.Invalidator,
		metrics:      cfg.Metrics,
		done:         make(chan struct{}),
	}, nil
}

// Start launches the sweep loop after the initial delay.
func (s *Sentinel) Start(ctx context.Context) {
	go func() {
		if s.initialDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-time.After(s.initialDelay):
			}
		}

		s.logger.Info("offline sentinel started", "sweep_period", s.sweepPeriod)

		ticker := time.NewTicker(s.sweepPeriod)
		defer ticker.Stop()

		s.Sweep(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sentinel) Stop() {
	close(s.done)
}

// Sweep runs one liveness pass over every registered device. A failure on
// one device never aborts the rest. Skipped when a previous pass is still
// running.
func (s *Sentinel) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep still running, skipping this tick")
		return
	}
	defer s.running.Store(false)

	threshold := s.threshold()

	devices, err := s.devices.ListRegisteredDevices(ctx)
	if err != nil {
		s.logger.Error("failed to list devices for sweep", "error", err)
		return
	}

	now := time.Now()
	for i := range devices {
		if err := s.checkDevice(ctx, &devices[i], threshold, now); err != nil {
			s.logger.Error("device sweep failed",
				"device_code", devices[i].DeviceCode,
				"error", err)
		}
	}
}

func (s *Sentinel) checkDevice(ctx context.Context, device *store.Device, threshold time.Duration, now time.Time) error {
	code := device.DeviceCode

	lastSeen, ok := s.status.LastSeen(code)
	if !ok {
		if device.LastSeen == nil {
			// Never reported; nothing to judge.
			return nil
		}
		lastSeen = *device.LastSeen
	}

	elapsed := now.Sub(lastSeen)

	alert, err := s.alerts.FindUnresolvedOfflineAlert(ctx, code)
	if err != nil {
		return err
	}

	if elapsed > threshold {
		if alert != nil {
			return nil
		}
		return s.raiseAlert(ctx, code, lastSeen, elapsed)
	}

	if alert != nil {
		return s.resolveAlert(ctx, code, alert, now)
	}
	return nil
}

func (s *Sentinel) raiseAlert(ctx context.Context, code string, lastSeen time.Time, elapsed time.Duration) error {
	detail, err := json.Marshal(map[string]any{
		"lastMessageAt":  lastSeen.Format("2006-01-02 15:04:05"),
		"offlineMinutes": int(elapsed.Minutes()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert detail: %w", err)
	}

	alert := &store.Alert{
		DeviceCode: code,
		AlertType:  store.AlertTypeOffline,
		Severity:   store.SeverityWarning,
		Message: fmt.Sprintf("device %s offline for %s, last message at %s",
			code, durationText(elapsed), lastSeen.Format("2006-01-02 15:04:05")),
		Detail: string(detail),
	}

	if err := s.alerts.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create offline alert: %w", err)
	}

	s.status.SetStatus(code, store.StatusOffline)
	if err := s.devices.UpdateDeviceStatus(ctx, code, store.StatusOffline); err != nil {
		s.logger.Warn("failed to persist offline status",
			"device_code", code,
			"error", err)
	}
	if s.invalidator != nil {
		s.invalidator.DeviceMutated(code)
	}
	if s.metrics != nil {
		s.metrics.OfflineAlertsRaised.Inc()
	}

	s.logger.Info("offline alert raised",
		"device_code", code,
		"offline_for", elapsed.Round(time.Second))
	return nil
}

func (s *Sentinel) resolveAlert(ctx context.Context, code string, alert *store.Alert, now time.Time) error {
	if err := s.alerts.ResolveAlert(ctx, alert.ID, now); err != nil {
		return fmt.Errorf("failed to resolve offline alert: %w", err)
	}

	s.status.SetStatus(code, store.StatusOnline)
	if err := s.devices.UpdateDeviceStatus(ctx, code, store.StatusOnline); err != nil {
		s.logger.Warn("failed to persist online status",
			"device_code", code,
			"error", err)
	}
	if s.invalidator != nil {
		s.invalidator.DeviceMutated(code)
	}
	if s.metrics != nil {
		s.metrics.OfflineAlertsClosed.Inc()
	}

	s.logger.Info("offline alert resolved", "device_code", code)
	return nil
}

// durationText renders an elapsed offline duration in the operator-facing
// form: "H小时M分钟", or "M分钟" under an hour.
func durationText(d time.Duration) string {
	minutes := int(d.Minutes())
	hours := minutes / 60
	if hours > 0 {
		return fmt.Sprintf("%d小时%d分钟", hours, minutes%60)
	}
	return fmt.Sprintf("%d分钟", minutes)
}
