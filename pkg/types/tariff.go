package types

import "time"

// IntervalWidth is the width of a single price interval. The Spanish retail
// tariff is published at half-hour resolution.
const IntervalWidth = 30 * time.Minute

// IntervalsPerDay is the number of price intervals covering one calendar day.
const IntervalsPerDay = 48

// TariffKind identifies the contracted tariff classification.
type TariffKind string

const (
	TariffVariable TariffKind = "variable"
	TariffIndexed  TariffKind = "indexed"
)

// Band is one of the time-of-use tariff classifications.
type Band string

const (
	BandPeak     Band = "peak"
	BandStandard Band = "standard"
	BandOffPeak  Band = "offpeak"
)

// TariffRates holds the contracted price per band in euros per kWh. A nil
// rate means upstream did not supply a value for that band; schedules built
// from it leave the affected intervals unpriced rather than failing.
// Values are taken verbatim from upstream and never reordered or clamped.
type TariffRates struct {
	Peak     *float64 `json:"peak,omitempty"`
	Standard *float64 `json:"standard,omitempty"`
	OffPeak  *float64 `json:"offpeak,omitempty"`
}

// ForBand returns the rate for the given band and whether it is set.
func (r TariffRates) ForBand(b Band) (float64, bool) {
	var v *float64
	switch b {
	case BandPeak:
		v = r.Peak
	case BandStandard:
		v = r.Standard
	case BandOffPeak:
		v = r.OffPeak
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Complete reports whether all three band rates are present.
func (r TariffRates) Complete() bool {
	return r.Peak != nil && r.Standard != nil && r.OffPeak != nil
}

// PriceInterval is a half-open [TSStart, TSEnd) slot with the tariff price
// in effect. Both timestamps carry their own UTC offset; across a DST
// transition the offset can differ between intervals of the same day.
type PriceInterval struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`
	Band    Band      `json:"band"`

	// EurosPerKWH is only meaningful when HasValue is true. HasValue is
	// false when the rate for the interval's band was missing upstream.
	EurosPerKWH float64 `json:"eurosPerKWH"`
	HasValue    bool    `json:"hasValue"`
}

// Contains reports whether t falls inside the half-open interval.
func (p PriceInterval) Contains(t time.Time) bool {
	return !t.Before(p.TSStart) && t.Before(p.TSEnd)
}

// ScheduleAggregates are derived once per schedule. Min/Max/Avg are nil when
// no interval carries a value.
type ScheduleAggregates struct {
	MinEurosPerKWH *float64 `json:"minEurosPerKWH,omitempty"`
	MaxEurosPerKWH *float64 `json:"maxEurosPerKWH,omitempty"`
	AvgEurosPerKWH *float64 `json:"avgEurosPerKWH,omitempty"`
}

// DaySchedule is the ordered, gap-free sequence of price intervals covering
// one calendar day in the account's wall-clock timezone.
type DaySchedule struct {
	// DayStart is local midnight of the covered day.
	DayStart   time.Time          `json:"dayStart"`
	Intervals  []PriceInterval    `json:"intervals"`
	Aggregates ScheduleAggregates `json:"aggregates"`
}

// Active returns the interval whose half-open span contains now, if any.
func (d DaySchedule) Active(now time.Time) (PriceInterval, bool) {
	for _, iv := range d.Intervals {
		if iv.Contains(now) {
			return iv, true
		}
	}
	return PriceInterval{}, false
}

// EVPriceInterval is a PriceInterval with the EV-discount overlay applied.
// It is produced 1:1 against the corresponding base interval.
type EVPriceInterval struct {
	PriceInterval
	IsEVDiscount bool `json:"isEVDiscount"`
}

// EVScheduleAggregates extends the base aggregates with overlay-derived
// figures.
type EVScheduleAggregates struct {
	ScheduleAggregates

	// DiscountIntervals is the count of intervals priced at the EV rate.
	DiscountIntervals int `json:"discountIntervals"`
	// ChargingWindows is the count of distinct planned charging windows.
	ChargingWindows int `json:"chargingWindows"`
	// SavingsEuros is the sum of (base price - EV rate) over discounted
	// intervals.
	SavingsEuros float64 `json:"savingsEuros"`
}

// EVDaySchedule mirrors DaySchedule with the EV overlay applied.
type EVDaySchedule struct {
	DayStart   time.Time            `json:"dayStart"`
	Intervals  []EVPriceInterval    `json:"intervals"`
	Aggregates EVScheduleAggregates `json:"aggregates"`
}

// Active returns the overlay interval whose span contains now, if any.
func (d EVDaySchedule) Active(now time.Time) (EVPriceInterval, bool) {
	for _, iv := range d.Intervals {
		if iv.Contains(now) {
			return iv, true
		}
	}
	return EVPriceInterval{}, false
}
