package session

import (
	"context"

	"github.com/rs/zerolog"

	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/service/audio"
	"live-transcription-client/internal/service/capture"
)

// Capture is the audio input used while recording.
type Capture interface {
	Open(handler capture.FrameHandler) error
	Close() error
}

// audioSink is the part of a transport the recorder writes to.
type audioSink interface {
	SendAudio(audio []byte) error
}

// recorder connects the capture engine to one transport for the duration of
// a Recording period.
//
// The device thread only chunks and enqueues; a single sender goroutine
// writes chunks to the transport in order. A full queue drops the chunk
// rather than stalling capture.
type recorder struct {
	capture Capture
	chunker *audio.Chunker
	sink    audioSink
	chunks  chan audio.Chunk
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// startRecorder opens the capture engine. onSendFailed is called from the
// sender goroutine for every failed send while the recorder is running.
func startRecorder(
	c Capture,
	chunker *audio.Chunker,
	sink audioSink,
	queue int,
	onSendFailed func(error),
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*recorder, error) {
	if queue <= 0 {
		queue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &recorder{
		capture: c,
		chunker: chunker,
		sink:    sink,
		chunks:  make(chan audio.Chunk, queue),
		cancel:  cancel,
		metrics: m,
		logger:  logger,
	}

	go r.send(ctx, onSendFailed)

	if err := c.Open(r.onFrame); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *recorder) onFrame(f capture.Frame) {
	r.metrics.RecordFrame()

	chunk, ok := r.chunker.Push(f)
	if !ok {
		return
	}
	select {
	case r.chunks <- chunk:
	default:
		r.metrics.RecordChunkDropped("queue_full")
		r.logger.Warn().Uint64("chunkSeq", chunk.Seq).Msg("Send queue full, dropping chunk")
	}
}

func (r *recorder) send(ctx context.Context, onSendFailed func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-r.chunks:
			if ctx.Err() != nil {
				return
			}
			b := chunk.Bytes()
			if err := r.sink.SendAudio(b); err != nil {
				r.metrics.RecordChunkDropped("not_open")
				if ctx.Err() == nil {
					r.logger.Debug().Err(err).Uint64("chunkSeq", chunk.Seq).Msg("Chunk not sent")
					onSendFailed(err)
				}
				continue
			}
			r.metrics.RecordChunkSent(len(b))
		}
	}
}

// stop closes the capture engine and abandons anything not yet sent.
// It does not wait for an in-flight send.
func (r *recorder) stop() {
	if err := r.capture.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Closing capture engine failed")
	}
	r.cancel()

	abandoned := 0
	for {
		select {
		case <-r.chunks:
			abandoned++
			r.metrics.RecordChunkDropped("abandoned")
			continue
		default:
		}
		break
	}
	if pending := r.chunker.Reset(); pending > 0 || abandoned > 0 {
		r.logger.Debug().
			Int("pendingSamples", pending).
			Int("abandonedChunks", abandoned).
			Msg("Discarded unsent audio")
	}
}
