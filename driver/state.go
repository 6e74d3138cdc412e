package driver

import (
	"fmt"
	"sync"
)

// ConnState represents the lifecycle state of a device connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// CanFault reports whether a transport error in this state moves the
// connection to Faulted. Disconnected and Disconnecting never fault.
func (s ConnState) CanFault() bool {
	return s != StateDisconnected && s != StateDisconnecting
}

// StateMachine tracks a single connection's lifecycle and enforces
// legal transitions. It is written only by the owning driver and may
// be read from any goroutine; readers never observe a half-updated
// state.
type StateMachine struct {
	mu    sync.RWMutex
	state ConnState
}

// NewStateMachine returns a machine in the Disconnected state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current connection state.
func (m *StateMachine) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the connection is currently usable.
func (m *StateMachine) IsConnected() bool {
	return m.State() == StateConnected
}

// BeginConnect moves Disconnected or Faulted to Connecting.
// Returns already=true (and no error) when the connection is already
// established, so connect() stays idempotent.
func (m *StateMachine) BeginConnect() (already bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnected:
		return true, nil
	case StateConnecting:
		return false, ErrAlreadyConnecting
	case StateDisconnecting:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, StateConnecting)
	default: // Disconnected, Faulted
		m.state = StateConnecting
		return false, nil
	}
}

// CompleteConnect moves Connecting to Connected.
func (m *StateMachine) CompleteConnect() error {
	return m.transition(StateConnecting, StateConnected)
}

// BeginDisconnect moves Connected or Connecting to Disconnecting.
// Disconnecting from Disconnected is a no-op success. From Faulted the
// connection is reset straight to Disconnected; there is no transport
// to tear down.
func (m *StateMachine) BeginDisconnect() (already bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateDisconnected:
		return true, nil
	case StateFaulted:
		m.state = StateDisconnected
		return true, nil
	case StateDisconnecting:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, StateDisconnecting)
	default: // Connected, Connecting
		m.state = StateDisconnecting
		return false, nil
	}
}

// CompleteDisconnect moves Disconnecting to Disconnected.
func (m *StateMachine) CompleteDisconnect() error {
	return m.transition(StateDisconnecting, StateDisconnected)
}

// Fault records an unrecoverable transport error. It reports whether
// the transition happened; Disconnected and Disconnecting states are
// left untouched.
func (m *StateMachine) Fault() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CanFault() {
		return false
	}
	m.state = StateFaulted
	return true
}

func (m *StateMachine) transition(from, to ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}
