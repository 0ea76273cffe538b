package fleet

import (
	"slices"
	"sync/atomic"
)

type State int

const (
	// StateStarting indicates the supervisor is launching workers. It's the
	// zero value, so a new Supervisor starts here.
	StateStarting State = iota

	// StateRunning indicates every worker has been launched and the control
	// loop is supervising them.
	StateRunning

	// StateTerminating indicates the fleet is shutting down, either on request
	// or because a worker died.
	StateTerminating

	// StateStopped indicates every worker has been reaped, or was never
	// launched, and the supervisor is done.
	StateStopped
)

// NOTE: This slice needs to be kept in sync with the State values.
var states = []string{
	"Starting",
	"Running",
	"Terminating",
	"Stopped",
}

// String implements the Stringer interface for State.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return "Unknown"
	}

	return states[s]
}

// transitions lists the legal moves of the supervisor state machine.
var transitions = map[State][]State{
	StateStarting:    {StateRunning, StateTerminating, StateStopped},
	StateRunning:     {StateTerminating},
	StateTerminating: {StateStopped},
}

// CanTransition reports whether the state machine allows moving from s to n.
func (s State) CanTransition(n State) bool {
	return slices.Contains(transitions[s], n)
}

// AtomicState is a wrapper around an atomic.Int32 to provide atomic
// operations on a State.
type AtomicState struct {
	v atomic.Int32
}

// Load atomically loads the State value.
func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

// Store atomically stores the State value.
func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new State.
func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
