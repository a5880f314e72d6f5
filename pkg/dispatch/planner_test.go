package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utcDay() time.Time {
	return time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
}

func dispatch(start, end string) types.RawDispatch {
	return types.RawDispatch{
		Start: "2025-01-15T" + start + ":00Z",
		End:   "2025-01-15T" + end + ":00Z",
		Type:  "smart-charge",
	}
}

func TestPlanEmptyInput(t *testing.T) {
	var p Planner
	got := p.Plan(context.Background(), nil, utcDay(), time.UTC)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPlanMergesSmallGaps(t *testing.T) {
	var p Planner
	raw := []types.RawDispatch{
		dispatch("10:00", "10:30"),
		dispatch("10:35", "11:00"),
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, utcDay().Add(10*time.Hour), got[0].TSStart)
	assert.Equal(t, utcDay().Add(11*time.Hour), got[0].TSEnd)
}

func TestPlanKeepsFullIntervalGaps(t *testing.T) {
	var p Planner
	raw := []types.RawDispatch{
		dispatch("10:00", "10:30"),
		dispatch("11:00", "11:30"),
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 2)
}

func TestPlanSortsAndDeduplicates(t *testing.T) {
	var p Planner
	raw := []types.RawDispatch{
		dispatch("14:00", "15:00"),
		dispatch("02:00", "04:00"),
		dispatch("02:00", "04:00"),
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 2)
	assert.Equal(t, utcDay().Add(2*time.Hour), got[0].TSStart)
	assert.Equal(t, utcDay().Add(14*time.Hour), got[1].TSStart)
}

func TestPlanClipsToDayBoundary(t *testing.T) {
	var p Planner
	raw := []types.RawDispatch{
		{Start: "2025-01-14T23:00:00Z", End: "2025-01-15T01:00:00Z"},
		{Start: "2025-01-15T23:30:00Z", End: "2025-01-16T02:00:00Z"},
		// entirely outside the day
		{Start: "2025-01-16T03:00:00Z", End: "2025-01-16T04:00:00Z"},
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 2)
	assert.Equal(t, utcDay(), got[0].TSStart)
	assert.Equal(t, utcDay().Add(time.Hour), got[0].TSEnd)
	assert.Equal(t, utcDay().Add(23*time.Hour+30*time.Minute), got[1].TSStart)
	assert.Equal(t, utcDay().AddDate(0, 0, 1), got[1].TSEnd)
}

func TestPlanDropsMalformedRecords(t *testing.T) {
	var p Planner
	raw := []types.RawDispatch{
		{Start: "not-a-timestamp", End: "2025-01-15T04:00:00Z"},
		// end before start
		{Start: "2025-01-15T05:00:00Z", End: "2025-01-15T04:00:00Z"},
		// zero width
		{Start: "2025-01-15T06:00:00Z", End: "2025-01-15T06:00:00Z"},
		dispatch("08:00", "09:00"),
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, utcDay().Add(8*time.Hour), got[0].TSStart)
}

func TestPlanCustomMergeGap(t *testing.T) {
	p := Planner{MergeGap: 2 * time.Hour}
	raw := []types.RawDispatch{
		dispatch("10:00", "10:30"),
		dispatch("12:00", "12:30"),
	}
	got := p.Plan(context.Background(), raw, utcDay(), time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, utcDay().Add(10*time.Hour), got[0].TSStart)
	assert.Equal(t, utcDay().Add(12*time.Hour+30*time.Minute), got[0].TSEnd)
}
