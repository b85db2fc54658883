package sim

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// State represents the phase the driver is in
type State int

const (
	StateIdle     State = iota // Constructed, no round started
	StateCollect               // Bots producing orders
	StateSubmit                // Admitted orders entering the book
	StateClear                 // Matching, one pass per instrument
	StateSettle                // Transactions applied, fills reported
	StateObserve               // Closes and valuations recorded
	StateComplete              // No further rounds
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollect:
		return "COLLECT"
	case StateSubmit:
		return "SUBMIT"
	case StateClear:
		return "CLEAR"
	case StateSettle:
		return "SETTLE"
	case StateObserve:
		return "OBSERVE"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// next lists the legal successors of each state. Complete is also
// reachable from any unfinished state when a run is aborted.
var next = map[State]State{
	StateIdle:    StateCollect,
	StateCollect: StateSubmit,
	StateSubmit:  StateClear,
	StateClear:   StateSettle,
	StateSettle:  StateObserve,
	StateObserve: StateCollect,
}

// CanTransition reports whether moving from s to to is legal
func (s State) CanTransition(to State) bool {
	if s == StateComplete {
		return false
	}
	if to == StateComplete {
		return true
	}
	n, ok := next[s]
	return ok && n == to
}

type stateMachine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

func (m *stateMachine) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !from.CanTransition(to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	cb := m.onChange
	m.mu.Unlock() // Release lock before callback to avoid deadlock

	if cb != nil {
		cb(from, to)
	}
	return nil
}
