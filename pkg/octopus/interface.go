package octopus

import (
	"context"

	"github.com/octoflex/octoflex/pkg/types"
)

// API defines the interface for the upstream account and charger platform.
// The calls are granular on purpose: account data, dispatches and charge
// history refresh on different cadences.
type API interface {
	// AccountNumber returns the account the client is bound to.
	AccountNumber() string

	// Authenticate logs in and caches a token for subsequent calls.
	Authenticate(ctx context.Context) error

	// Ledgers returns the account's ledger balances.
	Ledgers(ctx context.Context) ([]types.Ledger, error)

	// Charger returns the account's charge point, or nil when the
	// account has none.
	Charger(ctx context.Context) (*types.ChargerSnapshot, error)

	// PlannedDispatches returns the raw planned-dispatch records for the
	// device, timestamps verbatim.
	PlannedDispatches(ctx context.Context, deviceID string) ([]types.RawDispatch, error)

	// ChargeHistory returns up to last completed charging sessions for
	// the device, most recent last.
	ChargeHistory(ctx context.Context, deviceID string, last int) ([]types.UpstreamSession, error)

	// StartBoost requests an immediate boost charge.
	StartBoost(ctx context.Context, deviceID string) error

	// StopBoost cancels an active boost charge.
	StopBoost(ctx context.Context, deviceID string) error

	// SetPreferences replaces the device's weekly charging preferences.
	SetPreferences(ctx context.Context, deviceID string, prefs types.Preferences) error
}
