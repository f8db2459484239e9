// Package session supervises one live transcription session: it owns the
// connection lifecycle and serializes caller actions with recognizer events.
package session

import (
	"errors"
	"fmt"
)

// ConnectionState is the controller's view of the recognizer connection.
type ConnectionState int

const (
	// StateDisconnected - no connection and no pending reconnect.
	StateDisconnected ConnectionState = iota
	// StateConnecting - a credential is being fetched or the handshake is in progress.
	StateConnecting
	// StateConnected - the recognizer accepted the session, no audio is flowing.
	StateConnected
	// StateRecording - the capture engine is open and audio is being streamed.
	StateRecording
	// StateReconnecting - waiting for the backoff before the next connect.
	StateReconnecting
	// StateFailed - the last attempt failed. Terminal unless a reconnect is scheduled.
	StateFailed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRecording:
		return "RECORDING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsLive returns true if the state holds or is acquiring a connection.
func (s ConnectionState) IsLive() bool {
	switch s {
	case StateConnecting, StateConnected, StateRecording, StateReconnecting:
		return true
	default:
		return false
	}
}

// Errors for invalid state transitions.
var (
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrControllerClosed  = errors.New("session controller is closed")
)

// State transitions:
//
//	DISCONNECTED → CONNECTING → CONNECTED ⇄ RECORDING
//	                   │            │          │
//	                   ▼            └────┬─────┘
//	                FAILED ──→ RECONNECTING ◄┘ (abnormal close)
//	                              │
//	                              └── backoff ──→ CONNECTING
//
// Rules:
//   - any state can go to DISCONNECTED
//   - CONNECTED/RECORDING go back to CONNECTING on a language change
//   - FAILED stays put after an auth error or an exhausted reconnect budget
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateRecording, StateConnecting, StateReconnecting, StateFailed, StateDisconnected},
	StateRecording:    {StateConnected, StateConnecting, StateReconnecting, StateFailed, StateDisconnected},
	StateReconnecting: {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:       {StateReconnecting, StateConnecting, StateDisconnected},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition wrapped with both states.
func checkTransition(from, to ConnectionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}
