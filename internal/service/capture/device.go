// Package capture acquires an audio input device and produces fixed-format frames.
package capture

import (
	"errors"
	"time"
)

// Audio format produced by every source: 16 kHz, mono, signed 16-bit linear.
const (
	SampleRateHz = 16000
	Channels     = 1
	// DefaultFrameSamples is the capture block size (256 ms at 16 kHz).
	DefaultFrameSamples = 4096
)

// Device errors. Each one is reported distinctly so callers can present an
// actionable message; none of them is retried automatically.
var (
	ErrDeviceUnavailable = errors.New("no compatible audio input device is available")
	ErrPermissionDenied  = errors.New("access to the audio input device was denied")
	ErrDeviceBusy        = errors.New("the audio input device is in use by another process")
	ErrAlreadyOpen       = errors.New("capture engine is already open")
)

// Frame is a fixed-duration slice of mono 16-bit samples. Ownership passes to
// the receiver; the engine never touches a delivered frame again.
type Frame struct {
	Seq        uint64
	Samples    []int16
	CapturedAt time.Time
}

// Duration returns the audio duration of the frame.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRateHz
}

// Options configure a capture source.
type Options struct {
	DeviceName       string
	EchoCancellation bool
	NoiseSuppression bool
	// BlockSamples is the preferred device period in samples.
	BlockSamples int
}

// DataFunc receives raw sample blocks from a device, in capture order. It must
// not block; the device thread calls it.
type DataFunc func(samples []int16)

// Device is an opened, exclusively held input.
type Device interface {
	// Start begins delivering samples to fn.
	Start(fn DataFunc) error
	// Stop halts delivery and releases the device. It must be idempotent.
	Stop() error
}

// Source opens devices. Open must return one of the device errors (wrapped)
// when the failure is attributable to the device.
type Source interface {
	Open(opts Options) (Device, error)
}
