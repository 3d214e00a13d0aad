package send

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a pending message.
type State string

const (
	Pending   State = "pending"
	Sending   State = "sending"
	Queued    State = "queued"
	Sent      State = "sent"
	Cancelled State = "cancelled"
)

// validTransitions defines allowed state transitions. Sent and Cancelled
// are terminal; the entry is removed when it reaches either.
var validTransitions = map[State][]State{
	Pending: {Sending, Queued, Cancelled},
	Sending: {Sent, Queued, Cancelled},
	Queued:  {Sent, Cancelled},
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool { return s == Sent || s == Cancelled }

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
