// Package protocol implements the wire conventions shared by the outbound
// regulatory reporters: degree-minute coordinate formatting, GPS source
// resolution, and the HJ/T212-2005 framing used by the Shandong platform.
package protocol

import (
	"fmt"
	"math"
	"strconv"

	"procodus.dev/radwatch/internal/store"
)

// Fix is a resolved position ready for an outbound payload. Coordinates
// are in the degree-minute format both platforms require.
type Fix struct {
	Longitude string
	Latitude  string
	// Satellite is true when the fix came from the satellite source.
	Satellite bool
}

// FormatDegreeMinutes converts a decimal-degree coordinate to the
// DDDMM.mmmm form: truncated degrees followed by decimal minutes with four
// fraction digits and no separator. 117.0090 becomes "1170.5400". A
// negative coordinate keeps its sign on the degrees.
func FormatDegreeMinutes(decimal float64) string {
	degrees := int(decimal)
	minutes := math.Abs(decimal-float64(degrees)) * 60
	return fmt.Sprintf("%d%.4f", degrees, minutes)
}

// ResolveFix picks the GPS fix for a radiation record. The configured
// priority source wins when present and valid; otherwise the other source
// is tried; otherwise no fix is reported.
func ResolveFix(priority string, rec *store.RadiationReading) (Fix, bool) {
	satellite := func() (Fix, bool) {
		return convertFix(rec.SatLongitude, rec.SatLatitude, rec.SatValid, true)
	}
	cellular := func() (Fix, bool) {
		return convertFix(rec.CellLongitude, rec.CellLatitude, rec.CellValid, false)
	}

	first, second := satellite, cellular
	if priority == store.GPSPriorityCellular {
		first, second = cellular, satellite
	}

	if fix, ok := first(); ok {
		return fix, true
	}
	return second()
}

func convertFix(lon, lat string, valid *int, satellite bool) (Fix, bool) {
	if valid == nil || *valid != 1 {
		return Fix{}, false
	}

	lonDeg, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return Fix{}, false
	}
	latDeg, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return Fix{}, false
	}

	return Fix{
		Longitude: FormatDegreeMinutes(lonDeg),
		Latitude:  FormatDegreeMinutes(latDeg),
		Satellite: satellite,
	}, true
}
