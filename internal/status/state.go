package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/parley/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Offline      State = "OFFLINE"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Syncing, Offline, Error},
	AuthRequired: {Syncing, Offline, Error},
	Syncing:      {Ready, Degraded, Offline, AuthRequired, Error},
	Ready:        {Syncing, Offline, AuthRequired, Error},
	Offline:      {Syncing, AuthRequired, Error},
	Degraded:     {Syncing, Ready, Offline, AuthRequired, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	detail  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Detail returns the note attached by the last transition, if any.
func (m *Machine) Detail() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.detail
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWith(to, "")
}

// TransitionWith is Transition with a human readable note, such as the
// error that degraded the daemon.
func (m *Machine) TransitionWith(to State, detail string) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.detail = detail
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.DaemonStatus, StatusChange{From: from, To: to, Detail: detail}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Detail string
}
