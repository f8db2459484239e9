package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16 kHz mono 16-bit WAV file as if it were a microphone.
type WAVSource struct {
	Path string
	// Realtime paces delivery at the audio rate instead of as fast as possible.
	Realtime bool
	// OnEnd, if set, is called once after the last block was delivered.
	OnEnd func()
}

// Open validates the file format and returns a device positioned at the first sample.
func (s WAVSource) Open(opts Options) (Device, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, s.Path)
		default:
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrDeviceUnavailable, s.Path)
	}
	if d.SampleRate != SampleRateHz || d.NumChans != Channels || d.BitDepth != 16 {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d Hz/%d ch/%d bit, want %d Hz mono 16 bit",
			ErrDeviceUnavailable, s.Path, d.SampleRate, d.NumChans, d.BitDepth, SampleRateHz)
	}

	block := opts.BlockSamples
	if block <= 0 {
		block = DefaultFrameSamples
	}

	return &wavDevice{
		file:     f,
		decoder:  d,
		block:    block,
		realtime: s.Realtime,
		onEnd:    s.OnEnd,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

type wavDevice struct {
	file     *os.File
	decoder  *wav.Decoder
	block    int
	realtime bool
	onEnd    func()

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

func (w *wavDevice) Start(fn DataFunc) error {
	if w.started {
		return ErrAlreadyOpen
	}
	w.started = true
	go w.run(fn)
	return nil
}

func (w *wavDevice) run(fn DataFunc) {
	defer close(w.done)

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: Channels, SampleRate: SampleRateHz},
		Data:   make([]int, w.block),
	}
	interval := time.Duration(w.block) * time.Second / SampleRateHz
	var ticker *time.Ticker
	if w.realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		n, err := w.decoder.PCMBuffer(buf)
		if err != nil || n == 0 {
			if w.onEnd != nil {
				w.onEnd()
			}
			return
		}

		samples := make([]int16, n)
		for i := 0; i < n; i++ {
			samples[i] = int16(buf.Data[i])
		}
		fn(samples)

		if ticker != nil {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			}
		}
	}
}

func (w *wavDevice) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.started {
			<-w.done
		}
		err = w.file.Close()
	})
	return err
}
