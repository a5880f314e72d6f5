package tariff

import (
	"testing"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRates() types.TariffRates {
	peak, standard, offpeak := 0.197, 0.122, 0.084
	return types.TariffRates{Peak: &peak, Standard: &standard, OffPeak: &offpeak}
}

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return loc
}

func TestBuildDayShape(t *testing.T) {
	loc := madrid(t)
	day := time.Date(2025, 1, 15, 12, 34, 0, 0, loc)

	sched := BuildDay(day, fullRates(), types.TariffVariable, loc)
	require.Len(t, sched.Intervals, 48)

	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, loc), sched.DayStart)
	for i, iv := range sched.Intervals {
		assert.True(t, iv.HasValue, "interval %d", i)
		assert.Equal(t, types.IntervalWidth, iv.TSEnd.Sub(iv.TSStart), "interval %d width", i)
		if i > 0 {
			assert.True(t, iv.TSStart.Equal(sched.Intervals[i-1].TSEnd), "interval %d not contiguous", i)
		}
	}
}

func TestBuildDayValues(t *testing.T) {
	loc := madrid(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)

	sched := BuildDay(day, fullRates(), types.TariffVariable, loc)

	// 03:00-03:30 off-peak
	assert.Equal(t, 0.084, sched.Intervals[6].EurosPerKWH)
	// 08:00-08:30 standard
	assert.Equal(t, 0.122, sched.Intervals[16].EurosPerKWH)
	// 11:00-11:30 peak
	assert.Equal(t, 0.197, sched.Intervals[22].EurosPerKWH)
	// 23:30-24:00 standard
	assert.Equal(t, 0.122, sched.Intervals[47].EurosPerKWH)

	require.NotNil(t, sched.Aggregates.MinEurosPerKWH)
	require.NotNil(t, sched.Aggregates.MaxEurosPerKWH)
	require.NotNil(t, sched.Aggregates.AvgEurosPerKWH)
	assert.Equal(t, 0.084, *sched.Aggregates.MinEurosPerKWH)
	assert.Equal(t, 0.197, *sched.Aggregates.MaxEurosPerKWH)
	// weekday: 16 off-peak, 16 standard, 16 peak half-hours
	want := (16*0.084 + 16*0.122 + 16*0.197) / 48
	assert.InDelta(t, want, *sched.Aggregates.AvgEurosPerKWH, 1e-9)
}

func TestBuildDayDSTTransitions(t *testing.T) {
	loc := madrid(t)

	// Spring forward (2025-03-30) and fall back (2025-10-26).
	for _, day := range []time.Time{
		time.Date(2025, 3, 30, 12, 0, 0, 0, loc),
		time.Date(2025, 10, 26, 12, 0, 0, 0, loc),
	} {
		sched := BuildDay(day, fullRates(), types.TariffVariable, loc)
		require.Len(t, sched.Intervals, 48, "day %s", day)
		for i := 1; i < len(sched.Intervals); i++ {
			assert.True(t, sched.Intervals[i].TSStart.Equal(sched.Intervals[i-1].TSEnd),
				"day %s interval %d not contiguous", day, i)
			assert.Equal(t, types.IntervalWidth,
				sched.Intervals[i].TSEnd.Sub(sched.Intervals[i].TSStart),
				"day %s interval %d width", day, i)
		}
		// offsets must differ between the first and last interval
		_, startOff := sched.Intervals[0].TSStart.Zone()
		_, endOff := sched.Intervals[47].TSEnd.Zone()
		assert.NotEqual(t, startOff, endOff, "day %s should cross a DST boundary", day)
	}
}

func TestBuildDayMissingRate(t *testing.T) {
	loc := madrid(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)

	rates := fullRates()
	rates.Peak = nil

	sched := BuildDay(day, rates, types.TariffVariable, loc)
	require.Len(t, sched.Intervals, 48)

	var priced, unpriced int
	for _, iv := range sched.Intervals {
		if iv.HasValue {
			priced++
			assert.NotEqual(t, types.BandPeak, iv.Band)
		} else {
			unpriced++
			assert.Equal(t, types.BandPeak, iv.Band)
		}
	}
	assert.Equal(t, 16, unpriced)
	assert.Equal(t, 32, priced)

	// aggregates exclude the unpriced band
	require.NotNil(t, sched.Aggregates.MaxEurosPerKWH)
	assert.Equal(t, 0.122, *sched.Aggregates.MaxEurosPerKWH)
}

func TestDayScheduleActive(t *testing.T) {
	loc := madrid(t)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)
	sched := BuildDay(day, fullRates(), types.TariffVariable, loc)

	iv, ok := sched.Active(day.Add(9*time.Hour + 40*time.Minute))
	require.True(t, ok)
	assert.Equal(t, day.Add(9*time.Hour+30*time.Minute), iv.TSStart)
	assert.Equal(t, types.BandStandard, iv.Band)

	_, ok = sched.Active(day.AddDate(0, 0, 2))
	assert.False(t, ok)
}
