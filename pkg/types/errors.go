package types

import "errors"

// Error kinds the core classifies. None is fatal: every failure degrades to
// the best schedule/state computable from available data.
var (
	// ErrUpstreamUnavailable wraps a failure to fetch a snapshot. The
	// engine keeps its last-known-good derived state.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrIncompleteTariffData marks a schedule built with one or more
	// band rates missing.
	ErrIncompleteTariffData = errors.New("incomplete tariff data")

	// ErrMalformedDispatch marks a raw dispatch record that was dropped
	// (end before start, or unparseable timestamp).
	ErrMalformedDispatch = errors.New("malformed dispatch record")

	// ErrInvalidCommand is returned for a command that is not valid in
	// the charger's current state. No state change occurs.
	ErrInvalidCommand = errors.New("invalid command for charger state")
)
