package session

import (
	"errors"

	"live-transcription-client/internal/service/capture"
	"live-transcription-client/internal/service/stt"
)

// ErrorKind names a failure class in the externally observable snapshot.
type ErrorKind string

const (
	ErrorDeviceUnavailable  ErrorKind = "device_unavailable"
	ErrorPermissionDenied   ErrorKind = "permission_denied"
	ErrorDeviceBusy         ErrorKind = "device_busy"
	ErrorAuth               ErrorKind = "auth"
	ErrorCapacity           ErrorKind = "capacity"
	ErrorTransport          ErrorKind = "transport"
	ErrorReconnectExhausted ErrorKind = "reconnect_exhausted"
)

// ErrorInfo is the last error worth showing to a user.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// deviceError maps a capture failure to its user-facing kind and message.
func deviceError(err error) *ErrorInfo {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return &ErrorInfo{Kind: ErrorPermissionDenied, Message: "Microphone access was denied. Allow access and start recording again."}
	case errors.Is(err, capture.ErrDeviceBusy):
		return &ErrorInfo{Kind: ErrorDeviceBusy, Message: "The microphone is in use by another application. Close it and try again."}
	default:
		return &ErrorInfo{Kind: ErrorDeviceUnavailable, Message: "No usable microphone was found. Connect one and try again."}
	}
}

// transportError maps a classified transport failure to its user-facing kind.
func transportError(err error) *ErrorInfo {
	switch stt.KindOf(err) {
	case stt.KindAuth:
		return &ErrorInfo{Kind: ErrorAuth, Message: "Could not authenticate with the transcription service: " + err.Error()}
	case stt.KindCapacity:
		return &ErrorInfo{Kind: ErrorCapacity, Message: "The transcription service is at capacity. Retrying shortly."}
	default:
		return &ErrorInfo{Kind: ErrorTransport, Message: err.Error()}
	}
}
