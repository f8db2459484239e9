// Package stt defines the contract for streaming speech recognizer transports.
package stt

import (
	"context"
	"time"
)

// SessionInfo describes the recognizer-side session announced on open.
type SessionInfo struct {
	ID        string
	ExpiresAt time.Time
}

// Callback receives demultiplexed events from a recognizer connection.
// Implementations must not block for long; events arrive on the transport's read goroutine.
type Callback interface {
	// OnOpened is called once the recognizer has accepted the session.
	OnOpened(info SessionInfo)

	// OnClosed is called exactly once when the connection ends, locally or remotely.
	OnClosed(code int, reason string)

	// OnTurn is called when a final transcript is received.
	OnTurn(text string, confidence float64)

	// OnTurnPartial is called when an interim/partial transcript is received.
	OnTurnPartial(text string)

	// OnError is called when the recognizer reports an error.
	OnError(err error)
}

// Params are the per-connection session parameters.
type Params struct {
	SessionID    string
	LanguageCode string
	SampleRateHz int
	KeyTerms     []string
	// Token is the short-lived credential from the token issuer. Transports
	// that authenticate out of band ignore it.
	Token string
}

// Transport owns exactly one outbound connection to a recognizer.
// An instance is used for a single Connect/Close cycle.
type Transport interface {
	// Connect authenticates and opens the connection. It returns once the
	// connection is established; OnOpened signals the recognizer handshake.
	Connect(ctx context.Context, p Params) error

	// SendAudio sends little-endian 16-bit PCM. It returns ErrNotOpen when the
	// connection cannot carry audio.
	SendAudio(audio []byte) error

	// Close ends the connection with an explicit reason and waits for the drain.
	Close(reason CloseReason) error
}

// Factory creates a fresh transport bound to cb.
type Factory func(cb Callback) Transport

// CloseReason distinguishes intentional closes from failures.
type CloseReason string

const (
	ReasonLanguageChanged CloseReason = "language changed"
	ReasonUserStop        CloseReason = "user stopped"
	ReasonShutdown        CloseReason = "shutdown"
	ReasonReconnect       CloseReason = "reconnecting"
)

// Intentional reports whether a close with this reason must not trigger reconnection.
func (r CloseReason) Intentional() bool {
	switch r {
	case ReasonLanguageChanged, ReasonUserStop, ReasonShutdown, ReasonReconnect:
		return true
	default:
		return false
	}
}

// Close codes, following RFC 6455 numbering.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
	// ClosePolicyViolation is what recognizers use to reject sessions over quota.
	ClosePolicyViolation = 1008
)
