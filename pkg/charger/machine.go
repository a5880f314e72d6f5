// Package charger tracks the EV charger lifecycle and its completed
// sessions.
package charger

import (
	"fmt"
	"sync"
	"time"

	"github.com/octoflex/octoflex/pkg/types"
)

// Event is a typed input to the state machine. Events originate from host
// commands, upstream snapshots, or dispatch windows opening.
type Event string

const (
	EventCarPlugged       Event = "car_plugged"
	EventCarUnplugged     Event = "car_unplugged"
	EventWindowStarted    Event = "window_started"
	EventBoostStarted     Event = "boost_started"
	EventBoostStopped     Event = "boost_stopped"
	EventSessionCompleted Event = "session_completed"
	EventReadFailed       Event = "read_failed"
)

const triggerObserved = "upstream_observed"

// Machine is the source of truth for the charger's lifecycle state. Events
// are processed one at a time; two transitions never interleave for the
// same charger. The machine holds no assumed default: the first upstream
// observation seeds the state.
type Machine struct {
	mu       sync.Mutex
	observed bool
	state    types.ChargerState
	last     *types.StateTransition
}

// NewMachine returns a machine awaiting its first upstream observation.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current charger state. Before the first observation it
// reports unknown.
func (m *Machine) State() types.ChargerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.observed {
		return types.ChargerUnknown
	}
	return m.state
}

// Connected reports whether a car is currently plugged in.
func (m *Machine) Connected() bool {
	return m.State().Connected()
}

// LastTransition returns the most recent transition, if any occurred yet.
func (m *Machine) LastTransition() (types.StateTransition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return types.StateTransition{}, false
	}
	return *m.last, true
}

// Observe reconciles the machine with a successfully read upstream state.
// The first observation seeds the state without a transition. A later
// observation that differs from the current state advances it, which is how
// the machine exits unknown and how upstream-ended boosts are noticed.
func (m *Machine) Observe(upstream types.ChargerState, at time.Time) (types.StateTransition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.observed {
		m.observed = true
		m.state = upstream
		return types.StateTransition{}, false
	}
	if m.state == upstream {
		return types.StateTransition{}, false
	}
	return m.transition(m.state, upstream, triggerObserved, at), true
}

// Apply processes one event. It returns the resulting transition and
// whether the state changed. Commands that are not valid in the current
// state return types.ErrInvalidCommand and leave the state untouched.
func (m *Machine) Apply(ev Event, at time.Time) (types.StateTransition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state
	if !m.observed {
		cur = types.ChargerUnknown
	}

	switch ev {
	case EventCarPlugged:
		if cur.Connected() {
			return types.StateTransition{}, false, nil
		}
		m.observed = true
		return m.transition(cur, types.ChargerConnected, string(ev), at), true, nil

	case EventCarUnplugged:
		// supersedes every other state immediately
		if cur == types.ChargerDisconnected {
			return types.StateTransition{}, false, nil
		}
		m.observed = true
		return m.transition(cur, types.ChargerDisconnected, string(ev), at), true, nil

	case EventWindowStarted:
		// a boost in progress is not preempted by the smart schedule
		if cur != types.ChargerConnected {
			return types.StateTransition{}, false, nil
		}
		return m.transition(cur, types.ChargerSmartControl, string(ev), at), true, nil

	case EventBoostStarted:
		if cur != types.ChargerConnected && cur != types.ChargerSmartControl {
			return types.StateTransition{}, false, fmt.Errorf("%w: cannot start boost from %s", types.ErrInvalidCommand, cur)
		}
		return m.transition(cur, types.ChargerBoost, string(ev), at), true, nil

	case EventBoostStopped:
		if cur != types.ChargerBoost {
			return types.StateTransition{}, false, fmt.Errorf("%w: cannot stop boost from %s", types.ErrInvalidCommand, cur)
		}
		return m.transition(cur, types.ChargerConnected, string(ev), at), true, nil

	case EventSessionCompleted:
		if cur != types.ChargerSmartControl && cur != types.ChargerBoost {
			return types.StateTransition{}, false, nil
		}
		return m.transition(cur, types.ChargerStopped, string(ev), at), true, nil

	case EventReadFailed:
		if cur == types.ChargerUnknown {
			return types.StateTransition{}, false, nil
		}
		m.observed = true
		return m.transition(cur, types.ChargerUnknown, string(ev), at), true, nil
	}

	return types.StateTransition{}, false, fmt.Errorf("%w: unrecognized event %q", types.ErrInvalidCommand, ev)
}

// transition must be called with the lock held. from is passed explicitly
// so a command arriving before the first observation records unknown rather
// than the internal zero value.
func (m *Machine) transition(from, to types.ChargerState, trigger string, at time.Time) types.StateTransition {
	tr := types.StateTransition{
		From:      from,
		To:        to,
		Timestamp: at,
		Trigger:   trigger,
	}
	m.state = to
	m.last = &tr
	return tr
}
