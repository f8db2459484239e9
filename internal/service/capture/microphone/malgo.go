// Package microphone implements a capture source on the system's default
// audio backend via miniaudio.
package microphone

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/service/capture"
)

// Source opens capture devices through malgo.
type Source struct {
	logger zerolog.Logger
}

// New creates a microphone source.
func New(logger zerolog.Logger) *Source {
	return &Source{logger: logger}
}

// Open initializes the audio backend and the requested input device at
// 16 kHz mono S16. An empty DeviceName selects the system default.
func (s *Source) Open(opts capture.Options) (capture.Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		s.logger.Debug().Str("backend", strings.TrimSpace(msg)).Msg("Audio backend message")
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio backend: %v", capture.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = capture.Channels
	cfg.SampleRate = capture.SampleRateHz
	cfg.PeriodSizeInFrames = uint32(opts.BlockSamples)

	if opts.DeviceName != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			release(mctx)
			return nil, classify(err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == opts.DeviceName {
				id := info.ID
				cfg.Capture.DeviceID = id.Pointer()
				found = true
				break
			}
		}
		if !found {
			release(mctx)
			return nil, fmt.Errorf("%w: no input device named %q", capture.ErrDeviceUnavailable, opts.DeviceName)
		}
	}

	if opts.EchoCancellation || opts.NoiseSuppression {
		// miniaudio exposes no DSP controls; the flags only apply to platforms
		// whose default capture path already processes the signal.
		s.logger.Debug().
			Bool("echoCancellation", opts.EchoCancellation).
			Bool("noiseSuppression", opts.NoiseSuppression).
			Msg("Audio processing hints not applied by this backend")
	}

	return &device{ctx: mctx, cfg: cfg, logger: s.logger}, nil
}

type device struct {
	ctx    *malgo.AllocatedContext
	cfg    malgo.DeviceConfig
	logger zerolog.Logger

	mu      sync.Mutex
	dev     *malgo.Device
	stopped bool
}

func (d *device) Start(fn capture.DataFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return capture.ErrDeviceUnavailable
	}
	if d.dev != nil {
		return capture.ErrAlreadyOpen
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * capture.Channels
			if n*2 > len(input) {
				n = len(input) / 2
			}
			samples := make([]int16, n)
			for i := 0; i < n; i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
			}
			fn(samples)
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, d.cfg, callbacks)
	if err != nil {
		return classify(err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return classify(err)
	}
	d.dev = dev
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	dev := d.dev
	d.dev = nil
	d.mu.Unlock()

	var err error
	if dev != nil {
		err = dev.Stop()
		dev.Uninit()
	}
	release(d.ctx)
	return err
}

func release(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// classify maps miniaudio result strings onto the capture error set.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "already in use"):
		return fmt.Errorf("%w: %v", capture.ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
}
