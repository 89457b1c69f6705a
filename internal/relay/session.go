package relay

import (
	"fmt"
	"sync"

	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/registry"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks one connection through
// Connecting -> Authenticating -> Active -> Closed. No event handler runs
// unless the session is Active. The identity is fixed on activation.
type Session struct {
	conn registry.Subscriber

	mu       sync.Mutex
	state    State
	identity identity.Identity
}

// NewSession starts a session for a freshly accepted transport connection.
func NewSession(conn registry.Subscriber) *Session {
	return &Session{conn: conn, state: StateConnecting}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity while the session is Active.
func (s *Session) Identity() (identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return identity.Identity{}, false
	}
	return s.identity, true
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrBadTransition, from, to, s.state)
	}
	s.state = to
	return nil
}

func (s *Session) activate(id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticating {
		return fmt.Errorf("%w: activate from %s", ErrBadTransition, s.state)
	}
	s.identity = id
	s.state = StateActive
	return nil
}

// close moves the session to Closed and returns the state it left.
func (s *Session) close() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = StateClosed
	return prev
}
