package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameHandler receives frames in capture order. It runs on the device thread
// and must hand off without blocking.
type FrameHandler func(Frame)

// Engine owns one capture device at a time and re-blocks its output into
// fixed-size frames.
//
// Lifecycle:
//
//	closed ──Open()──→ open ──Close()──→ closed
//
// Close is idempotent and safe from any goroutine, including teardown paths.
type Engine struct {
	source       Source
	opts         Options
	frameSamples int
	logger       zerolog.Logger

	mu      sync.Mutex
	device  Device
	handler FrameHandler
	pending []int16
	seq     uint64
	now     func() time.Time
}

// NewEngine creates a capture engine reading from source.
func NewEngine(source Source, opts Options, frameSamples int, logger zerolog.Logger) *Engine {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	if opts.BlockSamples <= 0 {
		opts.BlockSamples = frameSamples
	}
	return &Engine{
		source:       source,
		opts:         opts,
		frameSamples: frameSamples,
		logger:       logger,
		now:          time.Now,
	}
}

// Open acquires the device and starts delivering frames to handler.
func (e *Engine) Open(handler FrameHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device != nil {
		return ErrAlreadyOpen
	}

	dev, err := e.source.Open(e.opts)
	if err != nil {
		return classify(err)
	}

	e.device = dev
	e.handler = handler
	e.pending = e.pending[:0]

	if err := dev.Start(e.onData(dev)); err != nil {
		_ = dev.Stop()
		e.device = nil
		e.handler = nil
		return classify(err)
	}

	e.logger.Info().
		Str("device", e.opts.DeviceName).
		Int("frameSamples", e.frameSamples).
		Bool("echoCancellation", e.opts.EchoCancellation).
		Bool("noiseSuppression", e.opts.NoiseSuppression).
		Msg("Capture device opened")
	return nil
}

// Close releases the device. Calling it on a closed engine is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	dev := e.device
	e.device = nil
	e.handler = nil
	e.pending = e.pending[:0]
	e.mu.Unlock()

	if dev == nil {
		return nil
	}

	// Stop outside the lock: device callbacks in flight take e.mu.
	err := dev.Stop()
	e.logger.Info().Err(err).Msg("Capture device closed")
	return err
}

// IsOpen reports whether a device is held.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device != nil
}

// onData returns the device callback bound to dev, so a late callback from a
// device that has since been closed is discarded.
func (e *Engine) onData(dev Device) DataFunc {
	return func(samples []int16) {
		e.mu.Lock()
		if e.device != dev || e.handler == nil {
			e.mu.Unlock()
			return
		}

		e.pending = append(e.pending, samples...)
		var frames []Frame
		for len(e.pending) >= e.frameSamples {
			buf := make([]int16, e.frameSamples)
			copy(buf, e.pending[:e.frameSamples])
			e.pending = append(e.pending[:0], e.pending[e.frameSamples:]...)
			frames = append(frames, Frame{Seq: e.seq, Samples: buf, CapturedAt: e.now()})
			e.seq++
		}
		handler := e.handler
		e.mu.Unlock()

		for _, f := range frames {
			handler(f)
		}
	}
}

// classify maps source errors onto the device error taxonomy. Unknown
// failures are reported as an unavailable device.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrDeviceUnavailable),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceBusy):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
