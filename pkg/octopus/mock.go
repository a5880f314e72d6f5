package octopus

import (
	"context"
	"fmt"
	"sync"

	"github.com/octoflex/octoflex/pkg/types"
)

// Mock implements the API interface with canned data. It is deterministic
// and records the boost and preference commands it receives so tests can
// assert on them.
type Mock struct {
	mu sync.Mutex

	Account    string
	LedgerList []types.Ledger
	Device     *types.ChargerSnapshot
	Dispatches []types.RawDispatch
	History    []types.UpstreamSession

	// Err, when set, is returned by every fetch call.
	Err error

	// BoostActions holds the actions received, in order ("BOOST" or
	// "CANCEL").
	BoostActions []string
	// SetPrefs holds the preferences received, in order.
	SetPrefs []types.Preferences
}

// NewMock returns a mock bound to the given account with one connected
// charge point and no planned dispatches.
func NewMock(account string) *Mock {
	return &Mock{
		Account: account,
		LedgerList: []types.Ledger{{
			Number:          "ledger-1",
			LedgerType:      "SPAIN_ELECTRICITY_LEDGER",
			BalanceEuros:    -12.34,
			AcceptsPayments: true,
		}},
		Device: &types.ChargerSnapshot{
			DeviceID:      "device-1",
			Name:          "Garage Charger",
			Provider:      "WALLBOX",
			UpstreamState: types.UpstreamStateCapable,
		},
	}
}

// AccountNumber returns the account the mock is bound to.
func (m *Mock) AccountNumber() string {
	return m.Account
}

// Authenticate is a no-op for the mock.
func (m *Mock) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// Ledgers returns the canned ledger balances.
func (m *Mock) Ledgers(ctx context.Context) ([]types.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.LedgerList, nil
}

// Charger returns the canned charge point.
func (m *Mock) Charger(ctx context.Context) (*types.ChargerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Device, nil
}

// PlannedDispatches returns the canned dispatch records.
func (m *Mock) PlannedDispatches(ctx context.Context, deviceID string) ([]types.RawDispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.checkDevice(deviceID); err != nil {
		return nil, err
	}
	return m.Dispatches, nil
}

// ChargeHistory returns the canned session history.
func (m *Mock) ChargeHistory(ctx context.Context, deviceID string, last int) ([]types.UpstreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.checkDevice(deviceID); err != nil {
		return nil, err
	}
	if last > 0 && len(m.History) > last {
		return m.History[len(m.History)-last:], nil
	}
	return m.History, nil
}

// StartBoost records the boost command and flips the device state.
func (m *Mock) StartBoost(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := m.checkDevice(deviceID); err != nil {
		return err
	}
	m.BoostActions = append(m.BoostActions, actionBoost)
	m.Device.UpstreamState = types.UpstreamStateBoosting
	return nil
}

// StopBoost records the cancel command and flips the device state.
func (m *Mock) StopBoost(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := m.checkDevice(deviceID); err != nil {
		return err
	}
	m.BoostActions = append(m.BoostActions, actionCancel)
	m.Device.UpstreamState = types.UpstreamStateCapable
	return nil
}

// SetPreferences records the preferences and mirrors them onto the device.
func (m *Mock) SetPreferences(ctx context.Context, deviceID string, prefs types.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := m.checkDevice(deviceID); err != nil {
		return err
	}
	m.SetPrefs = append(m.SetPrefs, prefs)
	cp := prefs
	m.Device.Preferences = &cp
	return nil
}

// SetState overrides the device's upstream state. Used by tests to drive
// observed transitions.
func (m *Mock) SetState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Device.UpstreamState = state
}

func (m *Mock) checkDevice(deviceID string) error {
	if m.Device == nil || m.Device.DeviceID != deviceID {
		return fmt.Errorf("unknown device: %s", deviceID)
	}
	return nil
}
