package report

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"procodus.dev/radwatch/internal/protocol"
	"procodus.dev/radwatch/internal/store"
)

// How long to wait for the server's unsolicited greeting after connect.
const greetingTimeout = time.Second

// ShandongConfig holds the configuration for the Shandong reporter.
type ShandongConfig struct {
	Logger   *slog.Logger
	Host     string
	Port     int
	Password string
	// Timeout bounds connect, write and response read. Defaults to
	// DefaultReportTimeout when zero.
	Timeout time.Duration
}

// ShandongReporter uploads readings to the Shandong platform over a fresh
// TCP connection per attempt, framed per HJ/T212-2005. The platform sends
// a short binary CM greeting right after connect; it is read and discarded
// without a handshake response.
type ShandongReporter struct {
	logger   *slog.Logger
	addr     string
	password string
	timeout  time.Duration
}

// NewShandongReporter creates a ShandongReporter.
func NewShandongReporter(cfg *ShandongConfig) (*ShandongReporter, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Host == "" {
		return nil, errors.New("host cannot be empty")
	}

	if cfg.Port <= 0 {
		return nil, errors.New("port must be positive")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultReportTimeout
	}

	return &ShandongReporter{
		logger:   cfg.Logger,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		password: cfg.Password,
		timeout:  timeout,
	}, nil
}

// Report opens a connection, sends one realtime packet, and classifies the
// single response line. The connection is closed on every exit path.
func (r *ShandongReporter) Report(ctx context.Context, cfg *store.ReportConfig, rec *store.RadiationReading) error {
	packet := r.buildPacket(cfg, rec)

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.addr, err)
	}
	defer conn.Close()

	r.discardGreeting(conn)

	if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := conn.Write([]byte(packet)); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && response == "" {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if !protocol.ParseResponse(response) {
		return fmt.Errorf("platform rejected upload: %q", strings.TrimSpace(response))
	}

	r.logger.Info("shandong report acknowledged", "device_code", cfg.DeviceCode)
	return nil
}

// discardGreeting reads and drops the binary CM message some platform
// servers push right after connect. Absence of a greeting is normal.
func (r *ShandongReporter) discardGreeting(conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(greetingTimeout)); err != nil {
		return
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	if n >= 2 && buf[0] == 'C' && buf[1] == 'M' {
		r.logger.Debug("discarded server greeting", "bytes", n)
	} else {
		r.logger.Warn("discarded unexpected pre-send data", "bytes", n)
	}
}

func (r *ShandongReporter) buildPacket(cfg *store.ReportConfig, rec *store.RadiationReading) string {
	fix, hasFix := protocol.ResolveFix(cfg.GPSPriority, rec)

	reading := &protocol.SourceReading{
		MN:                   cfg.DeviceCode,
		InspectionUnitID:     cfg.InspectionUnitID,
		SourceID:             cfg.SourceID,
		SourceType:           cfg.SourceType,
		OriginalActivity:     cfg.OriginalActivity,
		CurrentActivity:      cfg.CurrentActivity,
		SourceProductionDate: cfg.SourceProductionDate,
		DataTime:             rec.RecordTime,
	}
	if reading.DataTime.IsZero() {
		reading.DataTime = time.Now()
	}
	if rec.CPM != nil {
		reading.CPM = *rec.CPM
	}
	if rec.BattVolt != nil {
		reading.Battery = *rec.BattVolt
	}
	if hasFix {
		reading.Longitude = fix.Longitude
		reading.Latitude = fix.Latitude
		if fix.Satellite {
			reading.GPSFlag = 1
		}
	}

	return protocol.BuildRealtimePacket(r.password, reading, time.Now())
}
