package stt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotOpen is returned by SendAudio when the connection is not open.
	ErrNotOpen = errors.New("stt: connection not open")
	// ErrAlreadyConnected is returned by a second Connect on the same transport.
	ErrAlreadyConnected = errors.New("stt: connect already called on this transport")
)

// ErrorKind classifies transport failures for retry decisions.
type ErrorKind int

const (
	// KindTransport - generic socket/protocol failure, retryable.
	KindTransport ErrorKind = iota
	// KindCapacity - recognizer over quota, retryable after a longer cool-down.
	KindCapacity
	// KindAuth - credential could not be obtained or was rejected. Not retried.
	KindAuth
	// KindProtocol - unexpected or malformed message from the recognizer.
	KindProtocol
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCapacity:
		return "capacity"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// Retryable reports whether an automatic reconnect may follow an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k != KindAuth
}

// Error is a classified transport error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("stt %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are KindTransport,
// unless their message names a capacity condition.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err != nil && IsCapacityMessage(err.Error()) {
		return KindCapacity
	}
	return KindTransport
}

var capacityPhrases = []string{
	"too many concurrent sessions",
	"concurrency limit",
	"resource exhausted",
	"rate limit",
}

// IsCapacityMessage reports whether a recognizer message describes a capacity rejection.
func IsCapacityMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, p := range capacityPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// Application close codes used by recognizers to reject a credential.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// ClassifyClose turns a remote close into an error kind.
func ClassifyClose(code int, reason string) ErrorKind {
	switch {
	case IsCapacityMessage(reason):
		return KindCapacity
	case code == CloseUnauthorized || code == CloseForbidden:
		return KindAuth
	default:
		return KindTransport
	}
}
