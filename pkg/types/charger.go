package types

import "time"

// ChargerState is the lifecycle state of the EV charger.
type ChargerState string

const (
	ChargerDisconnected ChargerState = "disconnected"
	ChargerConnected    ChargerState = "connected"
	ChargerSmartControl ChargerState = "smart_control"
	ChargerBoost        ChargerState = "boost_charging"
	ChargerStopped      ChargerState = "stopped"
	ChargerUnknown      ChargerState = "unknown"
)

// Upstream SmartFlex state strings as reported by the Kraken API.
const (
	UpstreamStateNotAvailable   = "SMART_CONTROL_NOT_AVAILABLE"
	UpstreamStateCapable        = "SMART_CONTROL_CAPABLE"
	UpstreamStateBoosting       = "BOOSTING"
	UpstreamStateSmartInProgres = "SMART_CONTROL_IN_PROGRESS"
)

// StateFromUpstream maps an upstream SmartFlex state string to a
// ChargerState. Unrecognized strings map to ChargerUnknown.
func StateFromUpstream(s string) ChargerState {
	switch s {
	case UpstreamStateNotAvailable:
		return ChargerDisconnected
	case UpstreamStateCapable:
		return ChargerConnected
	case UpstreamStateBoosting:
		return ChargerBoost
	case UpstreamStateSmartInProgres:
		return ChargerSmartControl
	}
	return ChargerUnknown
}

// Connected reports whether the state implies a car is plugged in.
func (s ChargerState) Connected() bool {
	switch s {
	case ChargerConnected, ChargerSmartControl, ChargerBoost, ChargerStopped:
		return true
	}
	return false
}

// StateTransition records one charger state change. The core exposes these
// as data; the host platform decides how to notify.
type StateTransition struct {
	From      ChargerState `json:"from"`
	To        ChargerState `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
	// Trigger names the event that caused the transition.
	Trigger string `json:"trigger"`
}

// RawDispatch is one planned-dispatch record exactly as supplied by the
// upstream charger API. Timestamps are ISO-8601 strings and may be
// malformed; the planner validates them.
type RawDispatch struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Type  string `json:"type"`
}

// ChargingWindow is a canonical half-open [TSStart, TSEnd) charging window
// derived from one or more raw dispatches. Windows are replaced wholesale on
// each refresh, never mutated in place.
type ChargingWindow struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`
}

// Overlaps reports whether the window has a non-zero intersection with the
// half-open span [start, end).
func (w ChargingWindow) Overlaps(start, end time.Time) bool {
	return w.TSStart.Before(end) && start.Before(w.TSEnd)
}

// SessionProblem annotates a charging session with an upstream-reported
// error or truncation. Carried verbatim for display.
type SessionProblem struct {
	Kind            string `json:"kind"`
	Cause           string `json:"cause,omitempty"`
	TruncationCause string `json:"truncationCause,omitempty"`
}

// UpstreamSession is a charging-session summary as reported upstream.
// Energy and duration are authoritative; cost is recomputed locally against
// the price schedule in effect (see charger.Tracker).
type UpstreamSession struct {
	TSStart        time.Time        `json:"tsStart"`
	TSEnd          time.Time        `json:"tsEnd"`
	Type           string           `json:"type"`
	EnergyAddedKWH float64          `json:"energyAddedKWH"`
	CostEuros      *float64         `json:"costEuros,omitempty"`
	SOCFinal       *float64         `json:"socFinal,omitempty"`
	Problems       []SessionProblem `json:"problems,omitempty"`
}

// ChargeSession is an immutable record of a completed charging session.
type ChargeSession struct {
	CompletedAt    time.Time        `json:"completedAt"`
	TSStart        time.Time        `json:"tsStart"`
	TSEnd          time.Time        `json:"tsEnd"`
	Type           string           `json:"type,omitempty"`
	Duration       time.Duration    `json:"duration"`
	EnergyAddedKWH float64          `json:"energyAddedKWH"`
	CostEuros      float64          `json:"costEuros"`
	SOCFinal       *float64         `json:"socFinal,omitempty"`
	Problems       []SessionProblem `json:"problems,omitempty"`
}

// PreferenceSchedule is one weekly charging-preference entry.
type PreferenceSchedule struct {
	DayOfWeek string `json:"dayOfWeek"`
	Time      string `json:"time"`
	Min       *int   `json:"min,omitempty"`
	Max       *int   `json:"max,omitempty"`
}

// Preferences are the charger's smart-charging preferences as held upstream.
type Preferences struct {
	Mode          string               `json:"mode"`
	Unit          string               `json:"unit"`
	TargetType    string               `json:"targetType,omitempty"`
	MaxPercentage int                  `json:"maxPercentage"`
	TargetTime    string               `json:"targetTime"`
	Schedules     []PreferenceSchedule `json:"schedules,omitempty"`
}
