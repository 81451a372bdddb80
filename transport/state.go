package transport

import "sync/atomic"

// State is a component's position in its lifecycle.
type State int32

const (
	StateCreated State = iota // Constructed, Start not yet called
	StateStarted              // Start called, bind or connect in progress
	StateRunning              // Socket bound or connected, loops running
	StateStopped              // Terminal; the component cannot be restarted
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Lifecycle drives the Created -> Started -> Running -> Stopped state machine
// shared by every client and server. The zero value is in StateCreated and is
// safe for concurrent use.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Begin moves Created to Started.
//
// Returns:
//   - ErrStopped if the component was stopped
//   - ErrAlreadyStarted if Start was already called
func (l *Lifecycle) Begin() error {
	if l.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return nil
	}

	if l.State() == StateStopped {
		return ErrStopped
	}

	return ErrAlreadyStarted
}

// Run moves Started to Running. It returns false if the component was
// stopped in the meantime.
func (l *Lifecycle) Run() bool {
	return l.state.CompareAndSwap(int32(StateStarted), int32(StateRunning))
}

// Halt moves any state to Stopped.
//
// Returns:
//   - true if this call performed the transition, false if already stopped
func (l *Lifecycle) Halt() bool {
	return State(l.state.Swap(int32(StateStopped))) != StateStopped
}

// IsRunning reports whether the state is Running.
func (l *Lifecycle) IsRunning() bool {
	return l.State() == StateRunning
}
