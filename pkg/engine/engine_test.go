package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/octoflex/octoflex/pkg/octopus"
	"github.com/octoflex/octoflex/pkg/storage/storagemock"
	"github.com/octoflex/octoflex/pkg/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return loc
}

func testSettings() types.Settings {
	return types.Settings{
		Rates: types.TariffRates{
			Peak:     f(0.197),
			Standard: f(0.122),
			OffPeak:  f(0.084),
		},
		EVEurosPerKWH: 0.068,
	}
}

func testDB(account string) *storagemock.MockDatabase {
	db := new(storagemock.MockDatabase)
	db.On("GetSettings", mock.Anything, account).Return(testSettings(), 1, nil)
	db.On("GetLatestChargeSessionTime", mock.Anything, account).Return(time.Time{}, nil)
	db.On("GetChargeSessions", mock.Anything, account, mock.Anything).Return([]types.ChargeSession{}, nil)
	db.On("InsertTransition", mock.Anything, account, mock.Anything).Return(nil)
	db.On("UpsertChargeSession", mock.Anything, account, mock.Anything).Return(nil)
	return db
}

func newTestEngine(t *testing.T) (*Engine, *octopus.Mock, *storagemock.MockDatabase) {
	t.Helper()
	api := octopus.NewMock("A-123")
	db := testDB("A-123")
	e := New(api, db)
	loc := madrid(t)
	// Wednesday midday
	at := time.Date(2025, 1, 15, 12, 0, 0, 0, loc)
	e.now = func() time.Time { return at }
	return e, api, db
}

func TestRefreshBuildsState(t *testing.T) {
	e, api, _ := newTestEngine(t)
	api.Dispatches = []types.RawDispatch{{
		Start: "2025-01-16T01:00:00+01:00",
		End:   "2025-01-16T04:00:00+01:00",
		Type:  "smart-charge",
	}}

	require.Nil(t, e.State())
	require.EqualValues(t, 0, e.Generation())

	st, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	require.EqualValues(t, 1, st.Generation)
	require.Same(t, st, e.State())

	require.Equal(t, types.ChargerConnected, st.ChargerState)
	require.False(t, st.Stale)
	require.False(t, st.IncompleteTariff)
	require.Equal(t, "A-123", st.Snapshot.AccountNumber)
	require.Len(t, st.Snapshot.Ledgers, 1)
	require.NotNil(t, st.Snapshot.Charger)

	require.Len(t, st.Today.Intervals, 48)
	require.Len(t, st.Tomorrow.Intervals, 48)
	require.Len(t, st.Windows, 1)
	require.Zero(t, st.Today.Aggregates.DiscountIntervals)
	require.Equal(t, 6, st.Tomorrow.Aggregates.DiscountIntervals)
}

func TestRefreshIncompleteRates(t *testing.T) {
	api := octopus.NewMock("A-123")
	db := new(storagemock.MockDatabase)
	settings := testSettings()
	settings.Rates.Standard = nil
	db.On("GetSettings", mock.Anything, "A-123").Return(settings, 1, nil)
	db.On("GetLatestChargeSessionTime", mock.Anything, "A-123").Return(time.Time{}, nil)
	db.On("GetChargeSessions", mock.Anything, "A-123", mock.Anything).Return([]types.ChargeSession{}, nil)
	db.On("InsertTransition", mock.Anything, "A-123", mock.Anything).Return(nil)

	e := New(api, db)
	st, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, st.IncompleteTariff)
	// intervals still cover the day, just unpriced in the missing band
	require.Len(t, st.Today.Intervals, 48)
}

type gatedAPI struct {
	*octopus.Mock

	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAPI) Charger(ctx context.Context) (*types.ChargerSnapshot, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Mock.Charger(ctx)
}

func TestRefreshCoalesces(t *testing.T) {
	api := &gatedAPI{
		Mock:    octopus.NewMock("A-123"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := New(api, testDB("A-123"))

	var wg sync.WaitGroup
	states := make([]*State, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		states[0], _ = e.Refresh(context.Background())
	}()
	<-api.entered
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], _ = e.Refresh(context.Background())
		}(i)
	}
	// let the joiners reach the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(api.release)
	wg.Wait()

	api.mu.Lock()
	calls := api.calls
	api.mu.Unlock()
	require.Equal(t, 1, calls)
	for _, st := range states {
		require.Same(t, states[0], st)
	}
	require.EqualValues(t, 1, e.Generation())
}

func TestRefreshDegradesToLastKnownGood(t *testing.T) {
	e, api, db := newTestEngine(t)
	ctx := context.Background()

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerConnected, st.ChargerState)

	api.Err = errors.New("kraken down")
	st, err = e.Refresh(ctx)
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	require.NotNil(t, st)
	require.True(t, st.Stale)
	require.Equal(t, types.ChargerUnknown, st.ChargerState)
	// last-known-good schedules stay visible
	require.Len(t, st.Today.Intervals, 48)
	require.EqualValues(t, 2, st.Generation)
	db.AssertCalled(t, "InsertTransition", mock.Anything, "A-123", mock.MatchedBy(func(tr types.StateTransition) bool {
		return tr.To == types.ChargerUnknown
	}))

	api.Err = nil
	st, err = e.Refresh(ctx)
	require.NoError(t, err)
	require.False(t, st.Stale)
	require.Equal(t, types.ChargerConnected, st.ChargerState)
	db.AssertCalled(t, "InsertTransition", mock.Anything, "A-123", mock.MatchedBy(func(tr types.StateTransition) bool {
		return tr.From == types.ChargerUnknown && tr.To == types.ChargerConnected
	}))
}

func TestStartAndStopBoost(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Refresh(ctx)
	require.NoError(t, err)

	st, err := e.StartBoost(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerBoost, st.ChargerState)
	require.Equal(t, []string{"BOOST"}, api.BoostActions)
	require.EqualValues(t, 2, st.Generation)

	st, err = e.StopBoost(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerConnected, st.ChargerState)
	require.Equal(t, []string{"BOOST", "CANCEL"}, api.BoostActions)

	// stop is only valid while boosting
	st, err = e.StopBoost(ctx)
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	require.Equal(t, types.ChargerConnected, st.ChargerState)
	require.Len(t, api.BoostActions, 2)
}

func TestStartBoostRejectedWhenDisconnected(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()
	api.SetState(types.UpstreamStateNotAvailable)
	_, err := e.Refresh(ctx)
	require.NoError(t, err)

	st, err := e.StartBoost(ctx)
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	require.Equal(t, types.ChargerDisconnected, st.ChargerState)
	require.Empty(t, api.BoostActions)
}

func TestBoostBeforeFirstRefresh(t *testing.T) {
	e, api, _ := newTestEngine(t)
	_, err := e.StartBoost(context.Background())
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	require.Empty(t, api.BoostActions)
}

func TestMarkConnectedAppliesOverlay(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()
	api.SetState(types.UpstreamStateNotAvailable)
	api.Dispatches = []types.RawDispatch{{
		Start: "2025-01-15T14:00:00+01:00",
		End:   "2025-01-15T16:00:00+01:00",
		Type:  "smart-charge",
	}}

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerDisconnected, st.ChargerState)
	require.Len(t, st.Windows, 1)
	require.Zero(t, st.Today.Aggregates.DiscountIntervals)

	st, err = e.MarkConnected(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerConnected, st.ChargerState)
	require.Equal(t, 4, st.Today.Aggregates.DiscountIntervals)

	st, err = e.MarkDisconnected(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerDisconnected, st.ChargerState)
	require.Zero(t, st.Today.Aggregates.DiscountIntervals)
}

func TestRefreshNowForcesSlowTiers(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.InDelta(t, -12.34, st.Snapshot.Ledgers[0].BalanceEuros, 0.001)

	api.LedgerList = []types.Ledger{{
		Number:       "ledger-1",
		LedgerType:   "SPAIN_ELECTRICITY_LEDGER",
		BalanceEuros: -20.00,
	}}

	// within the account cadence the cached balance is reused
	st, err = e.Refresh(ctx)
	require.NoError(t, err)
	require.InDelta(t, -12.34, st.Snapshot.Ledgers[0].BalanceEuros, 0.001)

	st, err = e.RefreshNow(ctx)
	require.NoError(t, err)
	require.InDelta(t, -20.00, st.Snapshot.Ledgers[0].BalanceEuros, 0.001)
}

func TestRefreshRecordsSessions(t *testing.T) {
	e, api, db := newTestEngine(t)
	ctx := context.Background()
	loc := madrid(t)
	api.History = []types.UpstreamSession{{
		TSStart:        time.Date(2025, 1, 15, 2, 0, 0, 0, loc),
		TSEnd:          time.Date(2025, 1, 15, 4, 0, 0, 0, loc),
		Type:           "SMART",
		EnergyAddedKWH: 10,
		CostEuros:      f(99), // recomputed locally, upstream value ignored
	}}

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)
	require.InDelta(t, 0.084*10, st.Sessions[0].CostEuros, 0.0001)
	db.AssertNumberOfCalls(t, "UpsertChargeSession", 1)

	// a forced re-fetch of the same history does not duplicate the record
	st, err = e.RefreshNow(ctx)
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)
	db.AssertNumberOfCalls(t, "UpsertChargeSession", 1)
}

func TestRefreshSeedsStoredSessions(t *testing.T) {
	loc := madrid(t)
	stored := []types.ChargeSession{
		{
			TSStart:        time.Date(2025, 1, 14, 2, 0, 0, 0, loc),
			TSEnd:          time.Date(2025, 1, 14, 5, 0, 0, 0, loc),
			EnergyAddedKWH: 12,
			CostEuros:      0.82,
		},
		{
			TSStart:        time.Date(2025, 1, 13, 2, 0, 0, 0, loc),
			TSEnd:          time.Date(2025, 1, 13, 5, 0, 0, 0, loc),
			EnergyAddedKWH: 9,
			CostEuros:      0.61,
		},
	}

	api := octopus.NewMock("A-123")
	// upstream reports the newest stored session plus nothing new
	api.History = []types.UpstreamSession{{
		TSStart:        stored[0].TSStart,
		TSEnd:          stored[0].TSEnd,
		Type:           "SMART",
		EnergyAddedKWH: 12,
	}}

	db := new(storagemock.MockDatabase)
	db.On("GetSettings", mock.Anything, "A-123").Return(testSettings(), 1, nil)
	db.On("GetLatestChargeSessionTime", mock.Anything, "A-123").Return(stored[0].TSEnd, nil)
	db.On("GetChargeSessions", mock.Anything, "A-123", mock.Anything).Return(stored, nil)
	db.On("InsertTransition", mock.Anything, "A-123", mock.Anything).Return(nil)

	e := New(api, db)
	st, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Sessions, 2)
	require.InDelta(t, 0.82, st.Sessions[0].CostEuros, 0.0001)
	// the already-stored session is not re-recorded
	db.AssertNotCalled(t, "UpsertChargeSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandsDoNotMutatePublishedState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	before, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, before.Snapshot.Charger)
	require.Nil(t, before.Snapshot.Charger.Preferences)

	after, err := e.SetPreferences(ctx, types.Preferences{MaxPercentage: 80, TargetTime: "08:00"})
	require.NoError(t, err)
	require.NotSame(t, before.Snapshot.Charger, after.Snapshot.Charger)
	require.NotNil(t, after.Snapshot.Charger.Preferences)
	require.Equal(t, 80, after.Snapshot.Charger.Preferences.MaxPercentage)

	// a generation handed out to a reader is frozen
	require.Nil(t, before.Snapshot.Charger.Preferences)

	st, err := e.StartBoost(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerBoost, st.ChargerState)
	require.Nil(t, before.Snapshot.Charger.Preferences)
	// the mirrored preferences carry forward to later generations
	require.NotNil(t, st.Snapshot.Charger.Preferences)
}

func TestSessionCompletionAdvancesCharger(t *testing.T) {
	e, api, db := newTestEngine(t)
	ctx := context.Background()
	loc := madrid(t)
	api.SetState(types.UpstreamStateSmartInProgres)
	api.History = []types.UpstreamSession{{
		TSStart:        time.Date(2025, 1, 15, 2, 0, 0, 0, loc),
		TSEnd:          time.Date(2025, 1, 15, 4, 0, 0, 0, loc),
		Type:           "SMART",
		EnergyAddedKWH: 8,
	}}

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerStopped, st.ChargerState)
	db.AssertCalled(t, "InsertTransition", mock.Anything, "A-123", mock.MatchedBy(func(tr types.StateTransition) bool {
		return tr.From == types.ChargerSmartControl && tr.To == types.ChargerStopped
	}))

	// the next observation moves the charger on from stopped
	api.SetState(types.UpstreamStateCapable)
	st, err = e.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerConnected, st.ChargerState)
}

func TestMarkConnectedDuringActiveWindow(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()
	api.SetState(types.UpstreamStateNotAvailable)
	api.Dispatches = []types.RawDispatch{{
		Start: "2025-01-15T11:00:00+01:00",
		End:   "2025-01-15T13:00:00+01:00",
		Type:  "smart-charge",
	}}

	st, err := e.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerDisconnected, st.ChargerState)

	// plugging in mid-window goes straight to smart control
	st, err = e.MarkConnected(ctx)
	require.NoError(t, err)
	require.Equal(t, types.ChargerSmartControl, st.ChargerState)
}

func TestRefreshSkipsSessionsBeforePersistedEnd(t *testing.T) {
	loc := madrid(t)
	// the retained list is empty but storage has seen sessions up to here
	latest := time.Date(2025, 1, 14, 5, 0, 0, 0, loc)

	api := octopus.NewMock("A-123")
	api.History = []types.UpstreamSession{
		{
			TSStart:        time.Date(2025, 1, 15, 2, 0, 0, 0, loc),
			TSEnd:          time.Date(2025, 1, 15, 4, 0, 0, 0, loc),
			Type:           "SMART",
			EnergyAddedKWH: 10,
		},
		{
			TSStart:        time.Date(2025, 1, 14, 2, 0, 0, 0, loc),
			TSEnd:          latest,
			Type:           "SMART",
			EnergyAddedKWH: 12,
		},
	}

	db := new(storagemock.MockDatabase)
	db.On("GetSettings", mock.Anything, "A-123").Return(testSettings(), 1, nil)
	db.On("GetLatestChargeSessionTime", mock.Anything, "A-123").Return(latest, nil)
	db.On("GetChargeSessions", mock.Anything, "A-123", mock.Anything).Return([]types.ChargeSession{}, nil)
	db.On("InsertTransition", mock.Anything, "A-123", mock.Anything).Return(nil)
	db.On("UpsertChargeSession", mock.Anything, "A-123", mock.Anything).Return(nil)

	e := New(api, db)
	st, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)
	db.AssertNumberOfCalls(t, "UpsertChargeSession", 1)
	db.AssertCalled(t, "UpsertChargeSession", mock.Anything, "A-123", mock.MatchedBy(func(s types.ChargeSession) bool {
		return s.TSEnd.Equal(time.Date(2025, 1, 15, 4, 0, 0, 0, loc))
	}))
}

func TestSetPreferences(t *testing.T) {
	e, api, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Refresh(ctx)
	require.NoError(t, err)

	st, err := e.SetPreferences(ctx, types.Preferences{MaxPercentage: 80, TargetTime: "08:30"})
	require.NoError(t, err)
	require.Len(t, api.SetPrefs, 1)
	require.Equal(t, 80, api.SetPrefs[0].MaxPercentage)
	require.NotNil(t, st.Snapshot.Charger.Preferences)
	require.Equal(t, 80, st.Snapshot.Charger.Preferences.MaxPercentage)

	_, err = e.SetPreferences(ctx, types.Preferences{MaxPercentage: 0, TargetTime: "08:30"})
	require.ErrorIs(t, err, types.ErrInvalidCommand)

	_, err = e.SetPreferences(ctx, types.Preferences{MaxPercentage: 80, TargetTime: "25:99"})
	require.ErrorIs(t, err, types.ErrInvalidCommand)

	// invalid commands never reach upstream
	require.Len(t, api.SetPrefs, 1)
}
