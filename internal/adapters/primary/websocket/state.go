package websocket

import (
	"fmt"
	"sync"

	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

// ConnState is the lifecycle state of a gateway connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var allowedTransitions = map[ConnState][]ConnState{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateSubscribed, StateDisconnected},
	StateSubscribed:    {StateSubscribed, StateAuthenticated, StateDisconnected},
}

// stateMachine guards the connection lifecycle. Disconnected is terminal
// and re-entering it is a no-op.
type stateMachine struct {
	mu    sync.Mutex
	state ConnState
}

func (m *stateMachine) Current() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the next state. It reports whether the state changed.
func (m *stateMachine) Transition(next ConnState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisconnected && next == StateDisconnected {
		return false, nil
	}

	for _, allowed := range allowedTransitions[m.state] {
		if allowed == next {
			changed := m.state != next
			m.state = next
			return changed, nil
		}
	}

	return false, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, m.state, next)
}
