package transport

import (
	"errors"
	"fmt"
	"time"
)

// State is the transport's externally visible connection state.
type State int

const (
	// StateDisconnected: no socket. A reconnect may be scheduled.
	StateDisconnected State = iota

	// StateConnecting: a dial is in progress.
	StateConnecting

	// StateConnected: the socket is open and read by the transport.
	StateConnected

	// StateClosing: Stop is tearing the transport down.
	StateClosing

	// StateClosed: stopped. Terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StatusKind classifies status notifications.
type StatusKind int

const (
	StatusConnecting StatusKind = iota
	StatusConnected
	StatusDisconnected
	StatusReconnecting
	// StatusGaveUp: the reconnect attempt cap was exhausted.
	StatusGaveUp
	// StatusAuthRejected: the server could not resolve the session user.
	StatusAuthRejected
	StatusClosed
)

// String returns the status name.
func (k StatusKind) String() string {
	switch k {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusGaveUp:
		return "gave-up"
	case StatusAuthRejected:
		return "auth-rejected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further reconnects follow without an
// explicit Start.
func (k StatusKind) Terminal() bool {
	return k == StatusGaveUp || k == StatusAuthRejected || k == StatusClosed
}

// Status is delivered to status observers.
type Status struct {
	Kind         StatusKind
	ConnectionID string
	Attempt      int
	Delay        time.Duration
	Err          error
}

// Transport errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrStopped      = errors.New("transport stopped")
	ErrAuthRejected = errors.New("server rejected session")
)

// TransportError wraps a failed socket operation.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
