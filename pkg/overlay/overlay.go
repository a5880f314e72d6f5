// Package overlay derives the EV-discount price sequence from a base day
// schedule and the planned charging windows.
package overlay

import (
	"github.com/octoflex/octoflex/pkg/types"
)

// Apply produces the EV overlay for base: a sequence 1:1 length-matched to
// the base intervals where every interval overlapping a charging window is
// re-priced at evRate while the charger is connected.
//
// A disconnected charger cannot draw the EV rate, so connected=false returns
// the base values untouched with no discounts. Apply is a pure function:
// callers recompute it whenever the windows or the connection state change,
// because a shrinking window must retract discounts already granted.
func Apply(base types.DaySchedule, windows []types.ChargingWindow, connected bool, evRate float64) types.EVDaySchedule {
	intervals := make([]types.EVPriceInterval, 0, len(base.Intervals))
	agg := types.EVScheduleAggregates{ChargingWindows: len(windows)}

	var sum float64
	var priced int
	for _, iv := range base.Intervals {
		ev := types.EVPriceInterval{PriceInterval: iv}
		if connected && inWindow(iv, windows) {
			if iv.HasValue {
				agg.SavingsEuros += iv.EurosPerKWH - evRate
			}
			ev.EurosPerKWH = evRate
			ev.HasValue = true
			ev.IsEVDiscount = true
			agg.DiscountIntervals++
		}
		intervals = append(intervals, ev)

		if !ev.HasValue {
			continue
		}
		v := ev.EurosPerKWH
		if agg.MinEurosPerKWH == nil || v < *agg.MinEurosPerKWH {
			vv := v
			agg.MinEurosPerKWH = &vv
		}
		if agg.MaxEurosPerKWH == nil || v > *agg.MaxEurosPerKWH {
			vv := v
			agg.MaxEurosPerKWH = &vv
		}
		sum += v
		priced++
	}
	if priced > 0 {
		avg := sum / float64(priced)
		agg.AvgEurosPerKWH = &avg
	}

	return types.EVDaySchedule{
		DayStart:   base.DayStart,
		Intervals:  intervals,
		Aggregates: agg,
	}
}

// inWindow reports whether the interval has any non-zero intersection with
// one of the windows.
func inWindow(iv types.PriceInterval, windows []types.ChargingWindow) bool {
	for _, w := range windows {
		if w.Overlaps(iv.TSStart, iv.TSEnd) {
			return true
		}
	}
	return false
}
