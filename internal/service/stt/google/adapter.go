// Package google provides a Google Cloud Speech-to-Text streaming transport.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"live-transcription-client/internal/observability"
	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/service/stt"
)

// StreamLimit is the longest a single streaming recognition may run before
// the service ends it with OUT_OF_RANGE.
const StreamLimit = 5 * time.Minute

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string // LINEAR16, MULAW, FLAC, etc.
	Model          string
	Punctuation    bool
	CloseTimeout   time.Duration
}

// DefaultConfig returns the default Google STT configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		Punctuation:    true,
		CloseTimeout:   3 * time.Second,
	}
}

// parseAudioEncoding maps an encoding name to the API enum. Unknown names
// fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Recognizer opens streaming recognition calls.
type Recognizer interface {
	StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)
}

type clientRecognizer struct {
	client *speech.Client
}

func (r clientRecognizer) StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	return r.client.StreamingRecognize(ctx)
}

// NewRecognizer creates a speech client with metrics interceptors installed.
// Credentials come from GOOGLE_APPLICATION_CREDENTIALS unless opts say otherwise.
func NewRecognizer(ctx context.Context, m *metrics.Metrics, opts ...option.ClientOption) (Recognizer, io.Closer, error) {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	opts = append(opts,
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(observability.StreamClientInterceptor(m))),
		option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(observability.UnaryClientInterceptor(m))),
	)
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return clientRecognizer{client: c}, c, nil
}

// NewFactory returns an stt.Factory sharing one recognizer client.
func NewFactory(cfg Config, rec Recognizer, logger zerolog.Logger, m *metrics.Metrics) stt.Factory {
	return func(cb stt.Callback) stt.Transport {
		return New(cfg, rec, cb, logger, m)
	}
}

type streamState int

const (
	stateIdle streamState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Adapter implements stt.Transport over one StreamingRecognize call.
type Adapter struct {
	cfg     Config
	rec     Recognizer
	cb      stt.Callback
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	state       streamState
	stream      speechpb.Speech_StreamingRecognizeClient
	cancel      context.CancelFunc
	closeReason stt.CloseReason
	done        chan struct{}

	sendMu     sync.Mutex
	closedOnce sync.Once
}

// New creates a new Google STT transport.
func New(cfg Config, rec Recognizer, cb stt.Callback, logger zerolog.Logger, m *metrics.Metrics) *Adapter {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 3 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		rec:     rec,
		cb:      cb,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Connect opens the stream and sends the recognition config as the first
// message. The stream outlives ctx; it ends on Close or server termination.
func (a *Adapter) Connect(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	if a.state != stateIdle {
		a.mu.Unlock()
		return stt.ErrAlreadyConnected
	}
	a.state = stateOpen
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := a.open(ctx, streamCtx)
	if err != nil {
		cancel()
		a.setState(stateClosed)
		return classifyStatus(err)
	}

	cfg := a.streamingConfig(p)
	if a.logger.GetLevel() <= zerolog.DebugLevel {
		a.logger.Debug().Str("config", protojson.Format(cfg)).Msg("Streaming config")
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{StreamingConfig: cfg},
	}); err != nil {
		cancel()
		a.setState(stateClosed)
		return stt.NewError(stt.KindTransport, "send streaming config", err)
	}

	a.mu.Lock()
	if a.state != stateOpen {
		a.mu.Unlock()
		cancel()
		return stt.ErrNotOpen
	}
	a.stream = stream
	a.cancel = cancel
	a.mu.Unlock()

	info := stt.SessionInfo{ID: p.SessionID, ExpiresAt: a.now().Add(StreamLimit)}
	go a.listen(stream, info)
	return nil
}

// open honours ctx for the call setup only.
func (a *Adapter) open(ctx, streamCtx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	type result struct {
		stream speechpb.Speech_StreamingRecognizeClient
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := a.rec.StreamingRecognize(streamCtx)
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) streamingConfig(p stt.Params) *speechpb.StreamingRecognitionConfig {
	lang := p.LanguageCode
	if lang == "" {
		lang = a.cfg.LanguageCode
	}
	rate := p.SampleRateHz
	if rate == 0 {
		rate = a.cfg.SampleRateHz
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
		SampleRateHertz:            int32(rate),
		LanguageCode:               lang,
		EnableAutomaticPunctuation: a.cfg.Punctuation,
		Model:                      a.cfg.Model,
	}
	if len(p.KeyTerms) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: p.KeyTerms}}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: a.cfg.InterimResults,
	}
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(audio []byte) error {
	a.mu.Lock()
	if a.state != stateOpen || a.stream == nil {
		a.mu.Unlock()
		return stt.ErrNotOpen
	}
	stream := a.stream
	a.mu.Unlock()

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: audio},
	}); err != nil {
		return fmt.Errorf("%w: %v", stt.ErrNotOpen, err)
	}
	return nil
}

// Close half-closes the stream so the service flushes its last results, then
// waits for the receive loop to drain.
func (a *Adapter) Close(reason stt.CloseReason) error {
	a.mu.Lock()
	if a.state != stateOpen {
		if a.state == stateIdle {
			a.state = stateClosed
		}
		a.mu.Unlock()
		return nil
	}
	a.state = stateClosing
	a.closeReason = reason
	stream, cancel := a.stream, a.cancel
	a.mu.Unlock()

	if stream == nil {
		// Connect still in progress; it will observe the state change.
		a.setState(stateClosed)
		return nil
	}

	a.sendMu.Lock()
	err := stream.CloseSend()
	a.sendMu.Unlock()
	if err != nil {
		a.logger.Debug().Err(err).Msg("CloseSend failed")
	}

	select {
	case <-a.done:
	case <-time.After(a.cfg.CloseTimeout):
		a.logger.Warn().Str("reason", string(reason)).Msg("Recognizer did not finish in time, cancelling stream")
		cancel()
		<-a.done
	}
	cancel()
	return nil
}

// listen receives transcript responses and invokes callbacks until the stream ends.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, info stt.SessionInfo) {
	a.cb.OnOpened(info)

	for {
		resp, err := stream.Recv()
		if err != nil {
			a.end(err)
			return
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			a.end(status.ErrorProto(resp.Error))
			return
		}

		var partial []string
		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				a.cb.OnTurn(alt.Transcript, float64(alt.Confidence))
			} else {
				partial = append(partial, alt.Transcript)
			}
		}
		if len(partial) > 0 {
			a.cb.OnTurnPartial(strings.Join(partial, ""))
		}
	}
}

func (a *Adapter) end(err error) {
	a.mu.Lock()
	closing := a.state == stateClosing
	reason := a.closeReason
	a.state = stateClosed
	a.mu.Unlock()

	code, msg := stt.CloseNormal, "stream ended"
	switch {
	case closing:
		msg = string(reason)
	case errors.Is(err, io.EOF):
	default:
		cerr := classifyStatus(err)
		kind := stt.KindOf(cerr)
		a.metrics.RecordTransportError(kind.String())
		switch kind {
		case stt.KindAuth:
			code = stt.CloseUnauthorized
		case stt.KindCapacity:
			code = stt.ClosePolicyViolation
		default:
			code = stt.CloseAbnormal
		}
		msg = status.Convert(err).Message()
		a.cb.OnError(cerr)
	}

	a.closedOnce.Do(func() {
		close(a.done)
		a.logger.Info().Int("code", code).Str("reason", msg).Msg("Recognizer stream closed")
		a.cb.OnClosed(code, msg)
	})
}

func (a *Adapter) setState(s streamState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// classifyStatus maps gRPC status codes onto transport error kinds.
func classifyStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return stt.NewError(stt.KindTransport, "recognizer call setup", err)
		}
		return stt.NewError(stt.KindTransport, "recognizer stream", err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return stt.NewError(stt.KindAuth, st.Message(), err)
	case codes.ResourceExhausted:
		return stt.NewError(stt.KindCapacity, st.Message(), err)
	case codes.InvalidArgument:
		return stt.NewError(stt.KindProtocol, st.Message(), err)
	default:
		return stt.NewError(stt.KindTransport, st.Message(), err)
	}
}
