package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDeviceNotFound is returned when a device code resolves to no row.
var ErrDeviceNotFound = errors.New("device not found")

// Bulk inserts are chunked so a large drained batch does not exceed the
// driver's parameter limit.
const insertChunkSize = 200

// Store wraps the database handle with the narrow set of operations the
// pipeline needs. Components depend on the slices of this type they consume,
// declared as interfaces on their side.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewStore creates a Store around an open database handle.
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Store{db: db, logger: logger}, nil
}

// FindDeviceByCode loads a device row by its code.
func (s *Store) FindDeviceByCode(ctx context.Context, code string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("device_code = ?", code).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device %s: %w", code, err)
	}
	return &device, nil
}

// EnsureDevice auto-registers a minimal device row for the given code if
// none exists yet, and returns the row that won. Safe under concurrent
// first-message races: the insert is ON CONFLICT DO NOTHING on the device
// code, and the row is re-fetched afterwards so every caller observes the
// same registration.
func (s *Store) EnsureDevice(ctx context.Context, code string, category Category) (*Device, error) {
	device := &Device{
		DeviceCode: code,
		Category:   category,
		Status:     StatusOffline,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_code"}},
			DoNothing: true,
		}).
		Create(device).Error
	if err != nil {
		return nil, fmt.Errorf("failed to register device %s: %w", code, err)
	}

	return s.FindDeviceByCode(ctx, code)
}

// ListRegisteredDevices returns every device row. Used by the offline sweep.
func (s *Store) ListRegisteredDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// UpdateDeviceLastSeen stamps the device's last-seen time.
func (s *Store) UpdateDeviceLastSeen(ctx context.Context, code string, seen time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_code = ?", code).
		Update("last_seen", seen).Error
	if err != nil {
		return fmt.Errorf("failed to update last seen for %s: %w", code, err)
	}
	return nil
}

// UpdateDeviceStatus sets the device's lifecycle status.
func (s *Store) UpdateDeviceStatus(ctx context.Context, code, status string) error {
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_code = ?", code).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", code, err)
	}
	return nil
}

// ReportConfigByCode loads the reporting view for a device.
func (s *Store) ReportConfigByCode(ctx context.Context, code string) (*ReportConfig, error) {
	device, err := s.FindDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return ReportConfigFromDevice(device), nil
}

// SaveTelemetryBatch bulk-inserts a drained batch of telemetry records for
// one category. The whole batch is written in a single statement chain; a
// failure loses the batch (the caller does not re-enqueue).
func (s *Store) SaveTelemetryBatch(ctx context.Context, category Category, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	switch category {
	case CategoryRadiation:
		rows := make([]*RadiationReading, 0, len(records))
		for _, rec := range records {
			row, ok := rec.(*RadiationReading)
			if !ok {
				return fmt.Errorf("record for device %s is not a radiation reading", rec.TelemetryDevice())
			}
			rows = append(rows, row)
		}
		if err := s.db.WithContext(ctx).CreateInBatches(rows, insertChunkSize).Error; err != nil {
			return fmt.Errorf("failed to insert radiation batch of %d: %w", len(rows), err)
		}
		return nil

	case CategoryEnvironment:
		rows := make([]*EnvironmentReading, 0, len(records))
		for _, rec := range records {
			row, ok := rec.(*EnvironmentReading)
			if !ok {
				return fmt.Errorf("record for device %s is not an environment reading", rec.TelemetryDevice())
			}
			rows = append(rows, row)
		}
		if err := s.db.WithContext(ctx).CreateInBatches(rows, insertChunkSize).Error; err != nil {
			return fmt.Errorf("failed to insert environment batch of %d: %w", len(rows), err)
		}
		return nil

	default:
		return fmt.Errorf("unknown telemetry category %q", category)
	}
}

// AppendReportLog writes one report attempt record.
func (s *Store) AppendReportLog(ctx context.Context, entry *ReportLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append report log for %s: %w", entry.DeviceCode, err)
	}
	return nil
}

// CreateAlert writes a new alert row.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) error {
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("failed to create alert for %s: %w", alert.DeviceCode, err)
	}
	return nil
}

// FindUnresolvedOfflineAlert returns the open offline alert for a device,
// or nil when none exists.
func (s *Store) FindUnresolvedOfflineAlert(ctx context.Context, code string) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).
		Where("device_code = ? AND alert_type = ? AND resolved = ?", code, AlertTypeOffline, false).
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query offline alert for %s: %w", code, err)
	}
	return &alert, nil
}

// ResolveAlert flips an alert to resolved with the given resolution time.
func (s *Store) ResolveAlert(ctx context.Context, id uint, resolvedAt time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Alert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": resolvedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", id, err)
	}
	return nil
}
