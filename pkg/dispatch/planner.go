// Package dispatch normalizes upstream planned-dispatch records into
// canonical charging windows.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
)

// Planner turns raw planned dispatches into a sorted, non-overlapping set of
// charging windows for one day.
type Planner struct {
	// MergeGap is the maximum gap between two dispatches that still
	// merges them into a single window. Zero means one interval width.
	MergeGap time.Duration
}

// Plan returns the charging windows for the calendar day containing day (in
// loc), clipped to [day 00:00, day+1 00:00).
//
// Malformed records (unparseable timestamps, or end not after start) are
// dropped individually and logged; the rest of the plan proceeds. Dispatches
// separated by less than MergeGap collapse into one window, absorbing
// upstream re-planning fragmentation. A window crossing
// the day boundary is clipped, not dropped. Empty input yields an empty set.
func (p Planner) Plan(ctx context.Context, raw []types.RawDispatch, day time.Time, loc *time.Location) []types.ChargingWindow {
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	gap := p.MergeGap
	if gap <= 0 {
		gap = types.IntervalWidth
	}

	windows := make([]types.ChargingWindow, 0, len(raw))
	for _, d := range raw {
		w, err := parseDispatch(d)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "dropping malformed dispatch",
				slog.String("start", d.Start),
				slog.String("end", d.End),
				slog.Any("error", err),
			)
			continue
		}
		// keep only the portion overlapping the target day
		if !w.Overlaps(dayStart, dayEnd) {
			continue
		}
		if w.TSStart.Before(dayStart) {
			w.TSStart = dayStart
		}
		if w.TSEnd.After(dayEnd) {
			w.TSEnd = dayEnd
		}
		windows = append(windows, w)
	}

	if len(windows) == 0 {
		return []types.ChargingWindow{}
	}

	sort.Slice(windows, func(i, j int) bool {
		if windows[i].TSStart.Equal(windows[j].TSStart) {
			return windows[i].TSEnd.Before(windows[j].TSEnd)
		}
		return windows[i].TSStart.Before(windows[j].TSStart)
	})

	// merge windows whose gap is strictly under the threshold; a gap of
	// exactly one interval width is a real idle interval and stays.
	// Duplicates collapse for free since their gap is zero.
	merged := windows[:1]
	for _, w := range windows[1:] {
		last := &merged[len(merged)-1]
		if w.TSStart.Before(last.TSEnd.Add(gap)) {
			if w.TSEnd.After(last.TSEnd) {
				last.TSEnd = w.TSEnd
			}
			continue
		}
		merged = append(merged, w)
	}

	return merged
}

// parseDispatch validates one raw record. Timestamps are RFC 3339 per the
// upstream API.
func parseDispatch(d types.RawDispatch) (types.ChargingWindow, error) {
	start, err := time.Parse(time.RFC3339, d.Start)
	if err != nil {
		return types.ChargingWindow{}, fmt.Errorf("%w: start: %w", types.ErrMalformedDispatch, err)
	}
	end, err := time.Parse(time.RFC3339, d.End)
	if err != nil {
		return types.ChargingWindow{}, fmt.Errorf("%w: end: %w", types.ErrMalformedDispatch, err)
	}
	if !end.After(start) {
		return types.ChargingWindow{}, fmt.Errorf("%w: end %s not after start %s", types.ErrMalformedDispatch, d.End, d.Start)
	}
	return types.ChargingWindow{TSStart: start, TSEnd: end}, nil
}
