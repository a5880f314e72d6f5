package tariff

import (
	"time"

	"github.com/octoflex/octoflex/pkg/types"
)

// BuildDay materializes the price schedule for the calendar day containing
// day, in loc. It returns exactly types.IntervalsPerDay half-hour intervals
// starting at local midnight, each classified by its midpoint and priced
// from rates.
//
// Intervals are laid out as consecutive fixed-width spans of absolute time,
// so the sequence is contiguous with no gaps or overlaps even across a DST
// transition; each interval carries its own UTC offset. A missing band rate
// leaves the affected intervals unpriced (HasValue false) and excluded from
// the aggregates; the schedule as a whole is never discarded.
func BuildDay(day time.Time, rates types.TariffRates, kind types.TariffKind, loc *time.Location) types.DaySchedule {
	local := day.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	intervals := make([]types.PriceInterval, 0, types.IntervalsPerDay)
	cursor := start
	for i := 0; i < types.IntervalsPerDay; i++ {
		end := cursor.Add(types.IntervalWidth).In(loc)
		mid := cursor.Add(types.IntervalWidth / 2).In(loc)
		band := Classify(mid, kind)

		iv := types.PriceInterval{
			TSStart: cursor,
			TSEnd:   end,
			Band:    band,
		}
		if v, ok := rates.ForBand(band); ok {
			iv.EurosPerKWH = v
			iv.HasValue = true
		}
		intervals = append(intervals, iv)
		cursor = end
	}

	return types.DaySchedule{
		DayStart:   start,
		Intervals:  intervals,
		Aggregates: aggregate(intervals),
	}
}

// aggregate computes min/max/avg over the priced intervals only.
func aggregate(intervals []types.PriceInterval) types.ScheduleAggregates {
	var agg types.ScheduleAggregates
	var sum float64
	var n int
	for _, iv := range intervals {
		if !iv.HasValue {
			continue
		}
		v := iv.EurosPerKWH
		if agg.MinEurosPerKWH == nil || v < *agg.MinEurosPerKWH {
			vv := v
			agg.MinEurosPerKWH = &vv
		}
		if agg.MaxEurosPerKWH == nil || v > *agg.MaxEurosPerKWH {
			vv := v
			agg.MaxEurosPerKWH = &vv
		}
		sum += v
		n++
	}
	if n > 0 {
		avg := sum / float64(n)
		agg.AvgEurosPerKWH = &avg
	}
	return agg
}
