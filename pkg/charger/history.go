package charger

import (
	"sync"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
)

// Tracker records completed charging sessions. Records are immutable once
// written and the history is bounded; the most recent record is the one
// exposed for display.
type Tracker struct {
	mu       sync.Mutex
	limit    int
	sessions []types.ChargeSession // most recent first
}

// NewTracker returns a tracker retaining at most limit sessions.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = types.DefaultSessionHistoryLimit
	}
	return &Tracker{limit: limit}
}

// RecordCompletion writes one session record. Energy and duration come from
// the upstream summary verbatim; the cost is computed from the price that
// was in effect across the session's wall-clock span, using the
// EV-discounted value wherever the overlay granted one.
func (t *Tracker) RecordCompletion(sess types.UpstreamSession, schedules []types.EVDaySchedule, completedAt time.Time) types.ChargeSession {
	rec := types.ChargeSession{
		CompletedAt:    completedAt,
		TSStart:        sess.TSStart,
		TSEnd:          sess.TSEnd,
		Type:           sess.Type,
		Duration:       sess.TSEnd.Sub(sess.TSStart),
		EnergyAddedKWH: sess.EnergyAddedKWH,
		SOCFinal:       sess.SOCFinal,
		Problems:       sess.Problems,
	}
	rec.CostEuros = SessionCost(sess, schedules)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = append([]types.ChargeSession{rec}, t.sessions...)
	if len(t.sessions) > t.limit {
		t.sessions = t.sessions[:t.limit]
	}
	return rec
}

// Restore replaces the retained history with previously stored records,
// most recent first. Costs are kept as stored, not recomputed.
func (t *Tracker) Restore(sessions []types.ChargeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(sessions) > t.limit {
		sessions = sessions[:t.limit]
	}
	t.sessions = append([]types.ChargeSession(nil), sessions...)
}

// Latest returns the most recent session record, if any.
func (t *Tracker) Latest() (types.ChargeSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return types.ChargeSession{}, false
	}
	return t.sessions[0], true
}

// Sessions returns a copy of the retained history, most recent first.
func (t *Tracker) Sessions() []types.ChargeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.ChargeSession, len(t.sessions))
	copy(out, t.sessions)
	return out
}

// SessionCost prices a session against the schedules that covered its span.
// Energy is assumed drawn uniformly over the session, so the cost is the
// time-weighted average price multiplied by the energy added. When no
// schedule covers the span, the upstream-reported cost is used verbatim.
func SessionCost(sess types.UpstreamSession, schedules []types.EVDaySchedule) float64 {
	spanHours := sess.TSEnd.Sub(sess.TSStart).Hours()
	if spanHours <= 0 {
		return upstreamCost(sess)
	}

	var weighted float64
	var covered bool
	for _, sched := range schedules {
		for _, iv := range sched.Intervals {
			overlap := overlapHours(sess.TSStart, sess.TSEnd, iv.TSStart, iv.TSEnd)
			if overlap <= 0 {
				continue
			}
			covered = true
			if iv.HasValue {
				weighted += iv.EurosPerKWH * overlap
			}
		}
	}
	if !covered {
		return upstreamCost(sess)
	}
	return weighted / spanHours * sess.EnergyAddedKWH
}

func upstreamCost(sess types.UpstreamSession) float64 {
	if sess.CostEuros != nil {
		return *sess.CostEuros
	}
	return 0
}

func overlapHours(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours()
}
