package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/octoflex/octoflex/pkg/charger"
	"github.com/octoflex/octoflex/pkg/dispatch"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/octopus"
	"github.com/octoflex/octoflex/pkg/overlay"
	"github.com/octoflex/octoflex/pkg/storage"
	"github.com/octoflex/octoflex/pkg/tariff"
	"github.com/octoflex/octoflex/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Refresh cadences per data kind. Charger state is the most volatile, so it
// refreshes on every cycle; ledgers and history ride slower tiers.
const (
	DevicesInterval = 2 * time.Minute
	AccountInterval = 15 * time.Minute
	HistoryInterval = 10 * time.Minute
)

// State is one immutable derived view of the account. Every refresh builds
// a fresh State and swaps it in whole; readers never see a half-updated
// schedule.
type State struct {
	// Generation increments on every swap so callers can cheaply detect
	// change.
	Generation uint64 `json:"generation"`

	Settings types.Settings        `json:"settings"`
	Snapshot types.AccountSnapshot `json:"snapshot"`

	ChargerState   types.ChargerState     `json:"chargerState"`
	LastTransition *types.StateTransition `json:"lastTransition,omitempty"`

	Windows  []types.ChargingWindow `json:"windows"`
	Today    types.EVDaySchedule    `json:"today"`
	Tomorrow types.EVDaySchedule    `json:"tomorrow"`

	Sessions []types.ChargeSession `json:"sessions,omitempty"`

	// Stale is set when the last refresh failed and the derived data
	// above is the previous cycle's.
	Stale bool `json:"stale,omitempty"`

	// IncompleteTariff is set when one or more band rates are missing
	// from the configured rates.
	IncompleteTariff bool `json:"incompleteTariff,omitempty"`
}

// Engine owns the derived pricing and charger state for one account. All
// reads go through the atomically swapped State; refreshes are coalesced so
// concurrent triggers produce a single upstream fetch.
type Engine struct {
	api octopus.API
	db  storage.Database

	machine *charger.Machine
	tracker *charger.Tracker

	sf  singleflight.Group
	now func() time.Time

	state atomic.Pointer[State]

	mu             sync.Mutex
	seeded         bool
	lastAccount    time.Time
	lastHistory    time.Time
	lastSessionEnd time.Time
	ledgers        []types.Ledger
	dispatches     []types.RawDispatch
	recordedEnds   map[time.Time]bool
}

// New creates an engine for the api's account.
func New(api octopus.API, db storage.Database) *Engine {
	return &Engine{
		api:          api,
		db:           db,
		machine:      charger.NewMachine(),
		tracker:      charger.NewTracker(0),
		now:          time.Now,
		recordedEnds: make(map[time.Time]bool),
	}
}

// AccountNumber returns the account this engine serves.
func (e *Engine) AccountNumber() string {
	return e.api.AccountNumber()
}

// State returns the current derived view, or nil before the first refresh.
func (e *Engine) State() *State {
	return e.state.Load()
}

// Generation returns the current state generation, 0 before the first
// refresh.
func (e *Engine) Generation() uint64 {
	if st := e.state.Load(); st != nil {
		return st.Generation
	}
	return 0
}

// Refresh fetches a fresh snapshot and swaps in the derived state.
// Concurrent callers coalesce onto one upstream fetch and all receive the
// same resulting state.
func (e *Engine) Refresh(ctx context.Context) (*State, error) {
	v, err, _ := e.sf.Do("refresh", func() (interface{}, error) {
		return e.refresh(ctx)
	})
	st, _ := v.(*State)
	return st, err
}

// RefreshNow forces every tier to refresh regardless of cadence.
func (e *Engine) RefreshNow(ctx context.Context) (*State, error) {
	e.mu.Lock()
	e.lastAccount = time.Time{}
	e.lastHistory = time.Time{}
	e.mu.Unlock()
	return e.Refresh(ctx)
}

func (e *Engine) refresh(ctx context.Context) (*State, error) {
	now := e.now()
	account := e.api.AccountNumber()

	settings, _, err := e.db.GetSettings(ctx, account)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load settings, using defaults", slog.Any("error", err))
		settings = types.Settings{}
	}
	loc, err := settings.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}

	e.seedSessions(ctx, account, settings)

	// charger state is the freshest tier and drives everything else
	cs, err := e.api.Charger(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch charger", slog.Any("error", err))
		// the connection can no longer be confirmed
		if tr, changed, _ := e.machine.Apply(charger.EventReadFailed, now); changed {
			e.persistTransition(ctx, account, tr)
		}
		st := e.publishStale(settings)
		return st, fmt.Errorf("%w: charger fetch failed", types.ErrUpstreamUnavailable)
	}

	if cs != nil {
		if tr, changed := e.machine.Observe(types.StateFromUpstream(cs.UpstreamState), now); changed {
			e.persistTransition(ctx, account, tr)
		}
	} else if tr, changed, _ := e.machine.Apply(charger.EventCarUnplugged, now); changed {
		// no charge point on the account
		e.persistTransition(ctx, account, tr)
	}

	e.mu.Lock()
	ledgers := e.ledgers
	raw := e.dispatches
	fetchAccount := now.Sub(e.lastAccount) >= AccountInterval
	fetchHistory := cs != nil && now.Sub(e.lastHistory) >= HistoryInterval
	e.mu.Unlock()

	if cs != nil {
		fresh, err := e.api.PlannedDispatches(ctx, cs.DeviceID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch dispatches, keeping previous windows", slog.Any("error", err))
		} else {
			raw = fresh
		}
	} else {
		raw = nil
	}

	if fetchAccount {
		fresh, err := e.api.Ledgers(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch ledgers, keeping previous balances", slog.Any("error", err))
		} else {
			ledgers = fresh
			e.mu.Lock()
			e.lastAccount = now
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	e.ledgers = ledgers
	e.dispatches = raw
	e.mu.Unlock()

	// work on a copy so the client-owned snapshot is never written to
	cs = cs.Clone()
	if cs != nil {
		cs.Dispatches = raw
	}

	snap := types.AccountSnapshot{
		TakenAt:       now,
		AccountNumber: account,
		TariffKind:    settings.Kind(),
		Rates:         settings.Rates,
		Ledgers:       ledgers,
		Charger:       cs,
	}

	st := e.derive(ctx, snap, settings, loc, now)

	if fetchHistory {
		e.syncHistory(ctx, account, cs.DeviceID, settings, st, now)
		// re-derive so the freshly recorded sessions are visible
		st = e.derive(ctx, snap, settings, loc, now)
	}

	e.swap(st)
	return st, nil
}

// seedSessions loads previously stored session records once so the bounded
// history survives restarts.
func (e *Engine) seedSessions(ctx context.Context, account string, settings types.Settings) {
	e.mu.Lock()
	seeded := e.seeded
	e.seeded = true
	e.mu.Unlock()
	if seeded {
		return
	}

	e.tracker = charger.NewTracker(settings.HistoryLimit())

	// sessions older than the retained window are gone from the bounded
	// list but may still be in storage; the latest persisted end time
	// floors the history sync so they are never re-recorded
	latest, err := e.db.GetLatestChargeSessionTime(ctx, account)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load latest session time", slog.Any("error", err))
	} else {
		e.mu.Lock()
		e.lastSessionEnd = latest
		e.mu.Unlock()
	}

	stored, err := e.db.GetChargeSessions(ctx, account, settings.HistoryLimit())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load stored sessions", slog.Any("error", err))
		return
	}
	e.tracker.Restore(stored)
	e.mu.Lock()
	for _, s := range stored {
		e.recordedEnds[s.TSEnd.UTC()] = true
	}
	e.mu.Unlock()
}

// syncHistory records upstream sessions the tracker has not seen yet.
func (e *Engine) syncHistory(ctx context.Context, account, deviceID string, settings types.Settings, st *State, now time.Time) {
	sessions, err := e.api.ChargeHistory(ctx, deviceID, settings.HistoryLimit())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch charge history", slog.Any("error", err))
		return
	}
	e.mu.Lock()
	e.lastHistory = now
	e.mu.Unlock()

	// the floor is fixed for the whole batch; history arrives most
	// recent first, so advancing it mid-loop would skip older sessions
	e.mu.Lock()
	floor := e.lastSessionEnd
	e.mu.Unlock()

	schedules := []types.EVDaySchedule{st.Today, st.Tomorrow}
	for _, sess := range sessions {
		key := sess.TSEnd.UTC()
		e.mu.Lock()
		seen := e.recordedEnds[key] || !sess.TSEnd.After(floor)
		if !seen {
			e.recordedEnds[key] = true
			if sess.TSEnd.After(e.lastSessionEnd) {
				e.lastSessionEnd = sess.TSEnd
			}
		}
		e.mu.Unlock()
		if seen {
			continue
		}

		rec := e.tracker.RecordCompletion(sess, schedules, now)
		if err := e.db.UpsertChargeSession(ctx, account, rec); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist charge session", slog.Any("error", err))
		}
		// a freshly completed session ends any charge in progress; the
		// next observation moves the charger on from stopped
		if tr, changed, _ := e.machine.Apply(charger.EventSessionCompleted, now); changed {
			e.persistTransition(ctx, account, tr)
		}
		log.Ctx(ctx).InfoContext(ctx, "recorded charging session",
			slog.Time("start", rec.TSStart),
			slog.Time("end", rec.TSEnd),
			slog.Float64("energyKWH", rec.EnergyAddedKWH),
			slog.Float64("costEuros", rec.CostEuros),
		)
	}
}

// derive builds the full derived view from a snapshot. It is also used to
// rebuild locally after a command changes the charger state without a new
// upstream fetch.
func (e *Engine) derive(ctx context.Context, snap types.AccountSnapshot, settings types.Settings, loc *time.Location, now time.Time) *State {
	// the previous generation may still hold this charger snapshot
	snap.Charger = snap.Charger.Clone()

	planner := dispatch.Planner{MergeGap: settings.MergeGap()}

	var raw []types.RawDispatch
	if snap.Charger != nil {
		raw = snap.Charger.Dispatches
	}

	tomorrow := now.AddDate(0, 0, 1)
	winToday := planner.Plan(ctx, raw, now, loc)
	winTomorrow := planner.Plan(ctx, raw, tomorrow, loc)

	baseToday := tariff.BuildDay(now, settings.Rates, settings.Kind(), loc)
	baseTomorrow := tariff.BuildDay(tomorrow, settings.Rates, settings.Kind(), loc)

	connected := e.machine.Connected()
	evRate := settings.EVEurosPerKWH

	st := &State{
		Settings:     settings,
		Snapshot:     snap,
		ChargerState: e.machine.State(),
		Windows:      append(append([]types.ChargingWindow(nil), winToday...), winTomorrow...),
		Today:        overlay.Apply(baseToday, winToday, connected, evRate),
		Tomorrow:     overlay.Apply(baseTomorrow, winTomorrow, connected, evRate),
		Sessions:     e.tracker.Sessions(),
	}
	if tr, ok := e.machine.LastTransition(); ok {
		st.LastTransition = &tr
	}
	if latest, ok := e.tracker.Latest(); ok && snap.Charger != nil {
		upstream := types.UpstreamSession{
			TSStart:        latest.TSStart,
			TSEnd:          latest.TSEnd,
			Type:           latest.Type,
			EnergyAddedKWH: latest.EnergyAddedKWH,
			CostEuros:      &latest.CostEuros,
			SOCFinal:       latest.SOCFinal,
			Problems:       latest.Problems,
		}
		snap.Charger.LastSession = &upstream
	}

	if !settings.Rates.Complete() {
		st.IncompleteTariff = true
		log.Ctx(ctx).WarnContext(ctx, "building schedules with missing band rates",
			slog.Any("error", types.ErrIncompleteTariffData),
		)
	}
	return st
}

// publishStale re-publishes the previous derived data flagged stale, with
// only the charger state updated. The last-known-good schedules stay
// visible.
func (e *Engine) publishStale(settings types.Settings) *State {
	prev := e.state.Load()
	var st State
	if prev != nil {
		st = *prev
	}
	st.Settings = settings
	st.Stale = true
	st.ChargerState = e.machine.State()
	if tr, ok := e.machine.LastTransition(); ok {
		st.LastTransition = &tr
	}
	e.swap(&st)
	return &st
}

// republish rebuilds the derived view from the current snapshot after a
// local state change, without an upstream fetch. mutate, if non-nil, is
// applied to a copy of the snapshot; the published one stays untouched.
func (e *Engine) republish(ctx context.Context, mutate func(*types.AccountSnapshot)) *State {
	prev := e.state.Load()
	if prev == nil {
		return nil
	}
	loc, err := prev.Settings.Location()
	if err != nil {
		loc = time.UTC
	}
	snap := prev.Snapshot
	snap.Charger = snap.Charger.Clone()
	if mutate != nil {
		mutate(&snap)
	}
	st := e.derive(ctx, snap, prev.Settings, loc, e.now())
	st.Stale = prev.Stale
	e.swap(st)
	return st
}

func (e *Engine) swap(st *State) {
	for {
		prev := e.state.Load()
		var gen uint64
		if prev != nil {
			gen = prev.Generation
		}
		st.Generation = gen + 1
		if e.state.CompareAndSwap(prev, st) {
			return
		}
	}
}

func (e *Engine) persistTransition(ctx context.Context, account string, tr types.StateTransition) {
	log.Ctx(ctx).InfoContext(ctx, "charger state changed",
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("trigger", tr.Trigger),
	)
	if err := e.db.InsertTransition(ctx, account, tr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist transition", slog.Any("error", err))
	}
}

func (e *Engine) deviceID() (string, error) {
	st := e.state.Load()
	if st == nil || st.Snapshot.Charger == nil {
		return "", fmt.Errorf("%w: no charge point available", types.ErrInvalidCommand)
	}
	return st.Snapshot.Charger.DeviceID, nil
}

// StartBoost requests an immediate boost charge. The command is validated
// against the local state machine before anything is sent upstream.
func (e *Engine) StartBoost(ctx context.Context) (*State, error) {
	deviceID, err := e.deviceID()
	if err != nil {
		return e.State(), err
	}
	if cur := e.machine.State(); cur != types.ChargerConnected && cur != types.ChargerSmartControl {
		return e.State(), fmt.Errorf("%w: cannot start boost from %s", types.ErrInvalidCommand, cur)
	}
	if err := e.api.StartBoost(ctx, deviceID); err != nil {
		return e.State(), fmt.Errorf("failed to start boost: %w", err)
	}
	if tr, changed, err := e.machine.Apply(charger.EventBoostStarted, e.now()); err == nil && changed {
		e.persistTransition(ctx, e.api.AccountNumber(), tr)
	}
	return e.republish(ctx, nil), nil
}

// StopBoost cancels an active boost charge. Rejected unless the charger is
// actually boosting; the state is left untouched on rejection.
func (e *Engine) StopBoost(ctx context.Context) (*State, error) {
	deviceID, err := e.deviceID()
	if err != nil {
		return e.State(), err
	}
	if cur := e.machine.State(); cur != types.ChargerBoost {
		return e.State(), fmt.Errorf("%w: cannot stop boost from %s", types.ErrInvalidCommand, cur)
	}
	if err := e.api.StopBoost(ctx, deviceID); err != nil {
		return e.State(), fmt.Errorf("failed to stop boost: %w", err)
	}
	if tr, changed, err := e.machine.Apply(charger.EventBoostStopped, e.now()); err == nil && changed {
		e.persistTransition(ctx, e.api.AccountNumber(), tr)
	}
	return e.republish(ctx, nil), nil
}

// MarkConnected overrides the charger to connected ahead of the next
// upstream observation. The EV overlay starts applying immediately, and if
// a planned dispatch window is already open the charger goes straight to
// smart control.
func (e *Engine) MarkConnected(ctx context.Context) (*State, error) {
	now := e.now()
	if tr, changed, err := e.machine.Apply(charger.EventCarPlugged, now); err != nil {
		return e.State(), err
	} else if changed {
		e.persistTransition(ctx, e.api.AccountNumber(), tr)
	}
	if st := e.state.Load(); st != nil && windowActive(st.Windows, now) {
		if tr, changed, _ := e.machine.Apply(charger.EventWindowStarted, now); changed {
			e.persistTransition(ctx, e.api.AccountNumber(), tr)
		}
	}
	return e.republish(ctx, nil), nil
}

func windowActive(windows []types.ChargingWindow, now time.Time) bool {
	for _, w := range windows {
		if !now.Before(w.TSStart) && now.Before(w.TSEnd) {
			return true
		}
	}
	return false
}

// MarkDisconnected overrides the charger to disconnected. Any charging
// window or boost in progress is superseded and the overlay stops applying.
func (e *Engine) MarkDisconnected(ctx context.Context) (*State, error) {
	if tr, changed, err := e.machine.Apply(charger.EventCarUnplugged, e.now()); err != nil {
		return e.State(), err
	} else if changed {
		e.persistTransition(ctx, e.api.AccountNumber(), tr)
	}
	return e.republish(ctx, nil), nil
}

var clockRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// SetPreferences validates and pushes new charging preferences upstream,
// then mirrors them onto the local snapshot.
func (e *Engine) SetPreferences(ctx context.Context, prefs types.Preferences) (*State, error) {
	deviceID, err := e.deviceID()
	if err != nil {
		return e.State(), err
	}
	if prefs.MaxPercentage < 1 || prefs.MaxPercentage > 100 {
		return e.State(), fmt.Errorf("%w: max percentage %d out of range", types.ErrInvalidCommand, prefs.MaxPercentage)
	}
	if !clockRe.MatchString(prefs.TargetTime) {
		return e.State(), fmt.Errorf("%w: invalid target time %q", types.ErrInvalidCommand, prefs.TargetTime)
	}
	if err := e.api.SetPreferences(ctx, deviceID, prefs); err != nil {
		return e.State(), fmt.Errorf("failed to set preferences: %w", err)
	}

	return e.republish(ctx, func(snap *types.AccountSnapshot) {
		if snap.Charger != nil {
			cp := prefs
			snap.Charger.Preferences = &cp
		}
	}), nil
}
