package tariff

import (
	"time"

	"github.com/octoflex/octoflex/pkg/types"
)

// bandPeriod is one row of the static weekday band table. Hours are
// half-open: [StartHour, EndHour) in local wall-clock time.
type bandPeriod struct {
	StartHour int
	EndHour   int
	Band      types.Band
}

// weekdayBands is the Spanish 2.0TD access-tariff calendar for Monday
// through Friday. Weekends are off-peak for all 24 hours. This table is
// static configuration: every downstream price derives from it, so it must
// be exact.
var weekdayBands = []bandPeriod{
	{0, 8, types.BandOffPeak},
	{8, 10, types.BandStandard},
	{10, 14, types.BandPeak},
	{14, 18, types.BandStandard},
	{18, 22, types.BandPeak},
	{22, 24, types.BandStandard},
}

// Classify returns the tariff band in effect at t, evaluated against t's own
// location. A boundary instant belongs to the band starting at it.
//
// Both the variable and indexed tariffs share the 2.0TD band calendar; kind
// is accepted so callers do not need to know that.
func Classify(t time.Time, kind types.TariffKind) types.Band {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return types.BandOffPeak
	}

	h := t.Hour()
	for _, p := range weekdayBands {
		if h >= p.StartHour && h < p.EndHour {
			return p.Band
		}
	}
	// unreachable: the table covers 0-24
	return types.BandOffPeak
}
