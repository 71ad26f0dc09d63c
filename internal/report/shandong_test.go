package report_test

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/radwatch/internal/report"
	"procodus.dev/radwatch/internal/store"
)

// stubPlatform is a single-shot TCP server mimicking the Shandong
// endpoint: optionally pushes a binary greeting, reads one packet line,
// and answers with a fixed response.
type stubPlatform struct {
	listener net.Listener
	greeting []byte
	response string

	mu     sync.Mutex
	packet string
}

func newStubPlatform(greeting []byte, response string) *stubPlatform {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	s := &stubPlatform{
		listener: listener,
		greeting: greeting,
		response: response,
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if len(s.greeting) > 0 {
			conn.Write(s.greeting) //nolint:errcheck
		}

		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		s.mu.Lock()
		s.packet = line
		s.mu.Unlock()

		conn.Write([]byte(s.response)) //nolint:errcheck
	}()

	return s
}

func (s *stubPlatform) hostPort() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *stubPlatform) receivedPacket() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packet
}

func (s *stubPlatform) close() {
	s.listener.Close()
}

var _ = Describe("ShandongReporter", func() {
	var (
		logger *slog.Logger
		cfg    *store.ReportConfig
		rec    *store.RadiationReading
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		cfg = &store.ReportConfig{
			DeviceCode:           "865229085145869",
			Enabled:              true,
			Protocol:             store.ProtocolShandong,
			GPSPriority:          store.GPSPrioritySatellite,
			InspectionUnitID:     "002162",
			SourceID:             "DE25IR006722",
			SourceType:           "02",
			OriginalActivity:     "5.530E012",
			CurrentActivity:      "3.270E012",
			SourceProductionDate: "20250703",
		}
		rec = &store.RadiationReading{
			DeviceCode:   "865229085145869",
			CPM:          floatPtr(25.5),
			BattVolt:     floatPtr(3.8),
			SatLongitude: "117.0090",
			SatLatitude:  "30.5500",
			SatValid:     intPtr(1),
		}
		ctx = context.Background()
	})

	newReporter := func(host string, port int) *report.ShandongReporter {
		r, err := report.NewShandongReporter(&report.ShandongConfig{
			Logger:   logger,
			Host:     host,
			Port:     port,
			Password: "123456",
		})
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	Describe("NewShandongReporter", func() {
		It("should return error when host is empty", func() {
			r, err := report.NewShandongReporter(&report.ShandongConfig{
				Logger: logger,
				Port:   20050,
			})
			Expect(err).To(HaveOccurred())
			Expect(r).To(BeNil())
		})

		It("should return error when port is not positive", func() {
			r, err := report.NewShandongReporter(&report.ShandongConfig{
				Logger: logger,
				Host:   "localhost",
			})
			Expect(err).To(HaveOccurred())
			Expect(r).To(BeNil())
		})
	})

	Describe("Report", func() {
		It("should succeed on an ST=91 acknowledgment", func() {
			platform := newStubPlatform(nil,
				"##QN=202501151430450001;ST=91;CN=3051;CP=&&&&1234\r\n")
			defer platform.close()

			host, port := platform.hostPort()
			r := newReporter(host, port)

			Expect(r.Report(ctx, cfg, rec)).To(Succeed())

			packet := platform.receivedPacket()
			Expect(packet).To(HavePrefix("##QN="))
			Expect(packet).To(ContainSubstring(";ST=61;CN=3051;PW=123456;CP=&&MN=865229085145869;"))
			Expect(packet).To(ContainSubstring("LONG=1170.5400;LAT=3033.0000"))
			Expect(packet).To(ContainSubstring("Xvalue=25.500;BattChar=3.8;Sig=1"))
		})

		It("should discard the binary CM greeting before sending", func() {
			greeting := []byte{0x43, 0x4D, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
			platform := newStubPlatform(greeting,
				"##QN=202501151430450001;ST=91;CN=3051;CP=&&&&1234\r\n")
			defer platform.close()

			host, port := platform.hostPort()
			r := newReporter(host, port)

			Expect(r.Report(ctx, cfg, rec)).To(Succeed())
			Expect(platform.receivedPacket()).To(HavePrefix("##QN="))
		})

		It("should fail on an ST=92 response", func() {
			platform := newStubPlatform(nil,
				"##QN=202501151430450001;ST=92;CN=3051;CP=&&&&1234\r\n")
			defer platform.close()

			host, port := platform.hostPort()
			r := newReporter(host, port)

			err := r.Report(ctx, cfg, rec)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("rejected"))
		})

		It("should fail fast when the endpoint refuses connections", func() {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			addr := listener.Addr().(*net.TCPAddr)
			Expect(listener.Close()).To(Succeed())

			r := newReporter("127.0.0.1", addr.Port)

			err = r.Report(ctx, cfg, rec)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to connect to " +
				net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))))
		})
	})
})
