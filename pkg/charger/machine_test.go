package charger

import (
	"testing"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func TestMachineInitialStateFromObservation(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, types.ChargerUnknown, m.State())

	_, changed := m.Observe(types.ChargerSmartControl, at)
	assert.False(t, changed, "seeding observation is not a transition")
	assert.Equal(t, types.ChargerSmartControl, m.State())
	_, ok := m.LastTransition()
	assert.False(t, ok)
}

func TestMachineObserveAdvancesState(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerBoost, at)

	// upstream reports boost ended
	tr, changed := m.Observe(types.ChargerConnected, at.Add(time.Minute))
	require.True(t, changed)
	assert.Equal(t, types.ChargerBoost, tr.From)
	assert.Equal(t, types.ChargerConnected, tr.To)
	assert.Equal(t, at.Add(time.Minute), tr.Timestamp)

	// identical observation is a no-op
	_, changed = m.Observe(types.ChargerConnected, at.Add(2*time.Minute))
	assert.False(t, changed)
}

func TestMachinePlugAndUnplug(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerDisconnected, at)

	tr, changed, err := m.Apply(EventCarPlugged, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerConnected, tr.To)

	// unplug supersedes everything
	_, _, err = m.Apply(EventBoostStarted, at)
	require.NoError(t, err)
	tr, changed, err = m.Apply(EventCarUnplugged, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerBoost, tr.From)
	assert.Equal(t, types.ChargerDisconnected, tr.To)
}

func TestMachineCommandBeforeObservationRecordsUnknown(t *testing.T) {
	m := NewMachine()

	// a host override can arrive before the first upstream read
	tr, changed, err := m.Apply(EventCarPlugged, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerUnknown, tr.From)
	assert.Equal(t, types.ChargerConnected, tr.To)

	m2 := NewMachine()
	tr, changed, err = m2.Apply(EventCarUnplugged, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerUnknown, tr.From)
	assert.Equal(t, types.ChargerDisconnected, tr.To)
}

func TestMachineSmartControlWindow(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerConnected, at)

	_, changed, err := m.Apply(EventWindowStarted, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerSmartControl, m.State())

	// boost from within smart control
	_, changed, err = m.Apply(EventBoostStarted, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerBoost, m.State())

	// a window opening does not preempt the boost
	_, changed, err = m.Apply(EventWindowStarted, at)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.ChargerBoost, m.State())
}

func TestMachineStopBoostRejectedWhenNotBoosting(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerConnected, at)

	_, changed, err := m.Apply(EventBoostStopped, at)
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	assert.False(t, changed)
	assert.Equal(t, types.ChargerConnected, m.State())
}

func TestMachineBoostRejectedWhenDisconnected(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerDisconnected, at)

	_, _, err := m.Apply(EventBoostStarted, at)
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	assert.Equal(t, types.ChargerDisconnected, m.State())
}

func TestMachineSessionCompletion(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerSmartControl, at)

	tr, changed, err := m.Apply(EventSessionCompleted, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerStopped, tr.To)

	// completion while merely connected is ignored (late summary)
	m2 := NewMachine()
	m2.Observe(types.ChargerConnected, at)
	_, changed, err = m2.Apply(EventSessionCompleted, at)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMachineReadFailureMarksUnknown(t *testing.T) {
	m := NewMachine()
	m.Observe(types.ChargerBoost, at)

	tr, changed, err := m.Apply(EventReadFailed, at)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, types.ChargerUnknown, tr.To)

	// only a successful read exits unknown
	tr, changed = m.Observe(types.ChargerConnected, at.Add(time.Minute))
	require.True(t, changed)
	assert.Equal(t, types.ChargerUnknown, tr.From)
	assert.Equal(t, types.ChargerConnected, tr.To)
}

func TestMachineConnectedHelper(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.Connected())
	m.Observe(types.ChargerSmartControl, at)
	assert.True(t, m.Connected())
	m.Apply(EventCarUnplugged, at)
	assert.False(t, m.Connected())
}
