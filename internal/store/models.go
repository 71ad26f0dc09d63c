// Package store provides the PostgreSQL persistence layer for devices,
// telemetry readings, report logs, and alerts.
package store

import (
	"time"
)

// Category identifies which kind of sensor produced a telemetry record.
type Category string

const (
	// CategoryRadiation is a radiation counter device.
	CategoryRadiation Category = "radiation"
	// CategoryEnvironment is an environment monitoring station.
	CategoryEnvironment Category = "environment"
)

// Valid reports whether the category is one of the known sensor kinds.
func (c Category) Valid() bool {
	return c == CategoryRadiation || c == CategoryEnvironment
}

// Device lifecycle status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Report protocol selector values.
const (
	ProtocolSichuan  = "sichuan"
	ProtocolShandong = "shandong"
)

// GPS source priority values.
const (
	GPSPrioritySatellite = "satellite"
	GPSPriorityCellular  = "cellular"
)

// Device represents a registered field sensor.
// The pipeline only mutates Status and LastSeen; everything else is owned
// by the management layer.
type Device struct {
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
	LastSeen   *time.Time `gorm:"index:idx_devices_last_seen"`
	DeviceCode string     `gorm:"uniqueIndex;not null"`
	Category   Category   `gorm:"not null"`
	Status     string     `gorm:"not null;default:offline"`
	TenantID   uint       `gorm:"index"`

	// Static identity used by the regulatory reporters.
	Nuclide              string
	InspectionUnitID     string
	SourceID             string
	SourceType           string
	OriginalActivity     string
	CurrentActivity      string
	SourceProductionDate string

	// Reporting configuration.
	ReportEnabled  bool   `gorm:"not null;default:false"`
	ReportProtocol string
	GPSPriority    string

	ID uint `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// ReportConfig is the per-device reporting view handed to the report router.
// It is derived from Device columns and cached with a bounded TTL.
type ReportConfig struct {
	DeviceCode           string
	Enabled              bool
	Protocol             string
	GPSPriority          string
	Nuclide              string
	InspectionUnitID     string
	SourceID             string
	SourceType           string
	OriginalActivity     string
	CurrentActivity      string
	SourceProductionDate string
}

// ReportConfigFromDevice extracts the reporting view from a device row.
func ReportConfigFromDevice(d *Device) *ReportConfig {
	return &ReportConfig{
		DeviceCode:           d.DeviceCode,
		Enabled:              d.ReportEnabled,
		Protocol:             d.ReportProtocol,
		GPSPriority:          d.GPSPriority,
		Nuclide:              d.Nuclide,
		InspectionUnitID:     d.InspectionUnitID,
		SourceID:             d.SourceID,
		SourceType:           d.SourceType,
		OriginalActivity:     d.OriginalActivity,
		CurrentActivity:      d.CurrentActivity,
		SourceProductionDate: d.SourceProductionDate,
	}
}

// TelemetryRecord is the closed union over the two reading kinds. Both the
// buffer and the flusher handle records through this interface.
type TelemetryRecord interface {
	TelemetryCategory() Category
	TelemetryDevice() string
	TelemetryTime() time.Time
}

// RadiationReading is one inbound message from a radiation counter.
// Rows are immutable once created.
type RadiationReading struct {
	RecordTime time.Time `gorm:"index:idx_radiation_device_time;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	DeviceCode string    `gorm:"index:idx_radiation_device_time;not null"`
	RawPayload string    `gorm:"type:text"`

	// Capture time as reported by the device, verbatim.
	CaptureTime string

	CPM      *float64
	BattVolt *float64
	Src      *int
	MsgType  *int
	Trigger  *int
	Multi    *int
	Way      *int

	// Satellite (BDS) fix.
	SatLongitude string
	SatLatitude  string
	SatUTC       string
	SatValid     *int

	// Cellular (LBS) fix.
	CellLongitude string
	CellLatitude  string
	CellValid     *int

	ID uint `gorm:"primaryKey"`
}

// TableName specifies the table name for RadiationReading model.
func (RadiationReading) TableName() string {
	return "radiation_readings"
}

// TelemetryCategory implements TelemetryRecord.
func (r *RadiationReading) TelemetryCategory() Category { return CategoryRadiation }

// TelemetryDevice implements TelemetryRecord.
func (r *RadiationReading) TelemetryDevice() string { return r.DeviceCode }

// TelemetryTime implements TelemetryRecord.
func (r *RadiationReading) TelemetryTime() time.Time { return r.RecordTime }

// EnvironmentReading is one inbound message from an environment station.
// Rows are immutable once created.
type EnvironmentReading struct {
	RecordTime time.Time `gorm:"index:idx_environment_device_time;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	DeviceCode string    `gorm:"index:idx_environment_device_time;not null"`
	RawPayload string    `gorm:"type:text"`

	CPM         *float64
	Temperature *float64
	Humidity    *float64
	WindSpeed   *float64
	Composite   *float64
	Battery     *float64

	ID uint `gorm:"primaryKey"`
}

// TableName specifies the table name for EnvironmentReading model.
func (EnvironmentReading) TableName() string {
	return "environment_readings"
}

// TelemetryCategory implements TelemetryRecord.
func (r *EnvironmentReading) TelemetryCategory() Category { return CategoryEnvironment }

// TelemetryDevice implements TelemetryRecord.
func (r *EnvironmentReading) TelemetryDevice() string { return r.DeviceCode }

// TelemetryTime implements TelemetryRecord.
func (r *EnvironmentReading) TelemetryTime() time.Time { return r.RecordTime }

// Report attempt outcomes.
const (
	ReportStatusSuccess = "success"
	ReportStatusFailed  = "failed"
)

// ReportLog records one regulatory report attempt. Append-only.
type ReportLog struct {
	ReportTime   time.Time `gorm:"index;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	DeviceCode   string    `gorm:"index;not null"`
	Protocol     string    `gorm:"not null"`
	Status       string    `gorm:"not null"`
	ErrorDetail  string    `gorm:"type:text"`
	DurationMill int64
	ID           uint `gorm:"primaryKey"`
}

// TableName specifies the table name for ReportLog model.
func (ReportLog) TableName() string {
	return "report_logs"
}

// Alert types and severities.
const (
	AlertTypeOffline = "offline"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a device alert. At most one unresolved offline alert may exist
// per device at any time.
type Alert struct {
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	ResolvedAt *time.Time
	DeviceCode string `gorm:"index:idx_alerts_device_type;not null"`
	AlertType  string `gorm:"index:idx_alerts_device_type;not null"`
	Severity   string `gorm:"not null"`
	Message    string `gorm:"type:text;not null"`
	Detail     string `gorm:"type:text"`
	Resolved   bool   `gorm:"not null;default:false;index"`
	ID         uint   `gorm:"primaryKey"`
}

// TableName specifies the table name for Alert model.
func (Alert) TableName() string {
	return "alerts"
}
