package protocol

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// HJ/T212-2005 framing constants for the radiation source realtime upload.
const (
	requestST  = "61"
	realtimeCN = "3051"
	successST  = "91"

	packetTimeLayout = "20060102150405"
)

// SourceReading carries everything one realtime upload packet needs: the
// device's static regulatory identity plus the dynamic reading. Longitude
// and Latitude are degree-minute strings and may be empty when no fix was
// resolved; the coordinate pair is then omitted from the frame.
type SourceReading struct {
	MN                   string
	InspectionUnitID     string
	SourceID             string
	SourceType           string
	OriginalActivity     string
	CurrentActivity      string
	SourceProductionDate string
	DataTime             time.Time
	Longitude            string
	Latitude             string
	CPM                  float64
	Battery              float64
	GPSFlag              int
}

// BuildRealtimePacket frames one realtime upload:
// ##QN=...;ST=61;CN=3051;PW=...;CP=&&...&&CRC16\r\n. The CRC is computed
// over the segment between the ## header and the checksum. now feeds the
// request serial number.
func BuildRealtimePacket(password string, r *SourceReading, now time.Time) string {
	fields := make([]string, 0, 13)
	fields = append(fields,
		"MN="+r.MN,
		"Ma="+r.InspectionUnitID,
		"Rno="+r.SourceID,
		"Xtype="+r.SourceType,
		"LastAct="+r.OriginalActivity,
		"NowAct="+r.CurrentActivity,
		"SourceTime="+r.SourceProductionDate,
		"DataTime="+r.DataTime.Format(packetTimeLayout),
	)
	if r.Longitude != "" && r.Latitude != "" {
		fields = append(fields, "LONG="+r.Longitude, "LAT="+r.Latitude)
	}
	fields = append(fields,
		fmt.Sprintf("Xvalue=%.3f", r.CPM),
		fmt.Sprintf("BattChar=%.1f", r.Battery),
		fmt.Sprintf("Sig=%d", r.GPSFlag),
	)

	segment := fmt.Sprintf("QN=%s;ST=%s;CN=%s;PW=%s;CP=&&%s&&",
		generateQN(now), requestST, realtimeCN, password, strings.Join(fields, ";"))

	return fmt.Sprintf("##%s%04X\r\n", segment, CRC16([]byte(segment)))
}

// generateQN builds the request serial: packet time, four random digits,
// and a trailing sequence digit.
func generateQN(now time.Time) string {
	return fmt.Sprintf("%s%04d1", now.Format(packetTimeLayout), rand.N(10000))
}

// CRC16 computes the HJ/T212 checksum: initial value 0xFFFF, reflected
// polynomial 0xA001.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// ParseResponse classifies one response line from the platform. ST=91
// acknowledges the upload; anything else, including an empty or malformed
// line, is a failure.
func ParseResponse(response string) bool {
	content := strings.TrimSuffix(strings.TrimPrefix(response, "##"), "\r\n")
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}

	if !strings.Contains(content, "QN=") || !strings.Contains(content, "ST=") {
		return false
	}

	for _, part := range strings.Split(content, ";") {
		if st, ok := strings.CutPrefix(part, "ST="); ok {
			return st == successST
		}
	}
	return false
}
