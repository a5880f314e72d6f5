package types

import "time"

const (
	CurrentSettingsVersion = 1

	// DefaultTimezone is the wall-clock timezone for Spanish retail
	// tariffs.
	DefaultTimezone = "Europe/Madrid"

	// DefaultSessionHistoryLimit matches the upstream app's retention.
	DefaultSessionHistoryLimit = 50

	// DefaultMaxPercentage and DefaultTargetTime mirror the upstream
	// preference defaults.
	DefaultMaxPercentage = 95
	DefaultTargetTime    = "10:30"
)

// Settings is the per-account configuration. Stored by the host platform;
// the engine only reads it.
type Settings struct {
	// Timezone is the IANA name of the account's wall-clock timezone.
	// Empty means DefaultTimezone.
	Timezone string `json:"timezone,omitempty"`

	TariffKind TariffKind `json:"tariffKind,omitempty"`

	// Rates are the contracted per-band prices in euros per kWh. The
	// upstream API does not expose them, so they are configured here. A
	// band without a price yields unpriced intervals for that band.
	Rates TariffRates `json:"rates"`

	// EVEurosPerKWH is the fixed price applied to intervals inside a
	// charging window while the charger is connected.
	EVEurosPerKWH float64 `json:"evEurosPerKWH"`

	// DispatchMergeGapMinutes is the maximum gap between two raw
	// dispatches that still merges them into one window. Zero means one
	// interval width.
	DispatchMergeGapMinutes int `json:"dispatchMergeGapMinutes,omitempty"`

	// SessionHistoryLimit bounds the retained session records. Zero means
	// DefaultSessionHistoryLimit.
	SessionHistoryLimit int `json:"sessionHistoryLimit,omitempty"`
}

// Location resolves the configured timezone, falling back to the default.
func (s Settings) Location() (*time.Location, error) {
	tz := s.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	return time.LoadLocation(tz)
}

// MergeGap returns the dispatch merge threshold as a duration.
func (s Settings) MergeGap() time.Duration {
	if s.DispatchMergeGapMinutes <= 0 {
		return IntervalWidth
	}
	return time.Duration(s.DispatchMergeGapMinutes) * time.Minute
}

// HistoryLimit returns the bounded session-history length.
func (s Settings) HistoryLimit() int {
	if s.SessionHistoryLimit <= 0 {
		return DefaultSessionHistoryLimit
	}
	return s.SessionHistoryLimit
}

// Kind returns the tariff kind, defaulting to variable.
func (s Settings) Kind() TariffKind {
	if s.TariffKind == "" {
		return TariffVariable
	}
	return s.TariffKind
}
