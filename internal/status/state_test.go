package status

import (
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Syncing},
		{Booting, Offline},
		{Booting, Error},
		{AuthRequired, Syncing},
		{Syncing, Ready},
		{Syncing, Degraded},
		{Ready, Offline},
		{Offline, Syncing},
		{Degraded, Syncing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
	walkTo(t, m, Offline)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(OFFLINE -> READY) should fail; reconnecting syncs first")
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, want OFFLINE (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NSDaemon, 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Syncing)
	if err := m.TransitionWith(Degraded, "chat_list: timeout"); err != nil {
		t.Fatal(err)
	}

	var last StatusChange
	for range 2 {
		select {
		case evt := <-ch:
			if evt.Kind != bus.DaemonStatus {
				t.Errorf("event kind = %q", evt.Kind)
			}
			last = evt.Payload.(StatusChange)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for status event")
		}
	}
	if last.From != Syncing || last.To != Degraded || last.Detail != "chat_list: timeout" {
		t.Errorf("change = %+v", last)
	}
	if m.Detail() != "chat_list: timeout" {
		t.Errorf("Detail() = %q", m.Detail())
	}
}

// TestReconnectCycle walks a session that loses and regains the network:
// READY -> OFFLINE -> SYNCING -> READY
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	for _, s := range []State{Offline, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestSignOutFromReady verifies that losing the session from READY
// transitions to AUTH_REQUIRED.
func TestSignOutFromReady(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	if err := m.Transition(AuthRequired); err != nil {
		t.Fatalf("READY -> AUTH_REQUIRED: %v", err)
	}
	if m.Detail() != "" {
		t.Errorf("detail should reset, got %q", m.Detail())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		AuthRequired: {AuthRequired},
		Syncing:      {Syncing},
		Ready:        {Syncing, Ready},
		Offline:      {Offline},
		Degraded:     {Syncing, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
