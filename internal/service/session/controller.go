package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/models"
	"live-transcription-client/internal/observability/logging"
	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/service/audio"
	"live-transcription-client/internal/service/stt"
	"live-transcription-client/internal/service/token"
	"live-transcription-client/internal/service/transcript"
)

// Config holds the controller's session and retry parameters.
type Config struct {
	// SessionID is the caller-supplied correlation id. A random one is
	// generated per session when empty.
	SessionID    string
	SampleRateHz int
	KeyTerms     []string

	ReconnectDelay time.Duration
	CapacityDelay  time.Duration
	ConnectTimeout time.Duration
	// MaxAttempts bounds consecutive failed connects before giving up.
	MaxAttempts int

	MinChunkSamples int
	ChunkQueue      int
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:    16000,
		ReconnectDelay:  2 * time.Second,
		CapacityDelay:   5 * time.Second,
		ConnectTimeout:  10 * time.Second,
		MaxAttempts:     10,
		MinChunkSamples: audio.DefaultMinSamples,
		ChunkQueue:      16,
	}
}

// ResultSink receives accepted transcripts for hand-off to an external store.
type ResultSink interface {
	Partial(ctx context.Context, sessionID, languageCode, text string, at time.Time)
	Final(ctx context.Context, sessionID, languageCode string, r models.TranscriptResult)
}

// Dependencies are the collaborators a controller mediates.
type Dependencies struct {
	Transports stt.Factory
	Tokens     token.Issuer
	Capture    Capture
	Results    *transcript.Aggregator
	// Sink is optional.
	Sink    ResultSink
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Snapshot is the externally observable session state.
type Snapshot struct {
	SessionID         string                    `json:"sessionId"`
	LanguageCode      string                    `json:"languageCode"`
	ConnectionState   ConnectionState           `json:"connectionState"`
	IsRecording       bool                      `json:"isRecording"`
	CurrentPartial    string                    `json:"currentPartial"`
	Results           []models.TranscriptResult `json:"results"`
	LastError         *ErrorInfo                `json:"lastError"`
	ReconnectAttempts int                       `json:"reconnectAttempts"`
	StartedAt         time.Time                 `json:"startedAt"`
	LastActivityAt    time.Time                 `json:"lastActivityAt"`
}

// status is the controller-owned part of a snapshot.
type status struct {
	sessionID         string
	languageCode      string
	state             ConnectionState
	lastError         *ErrorInfo
	reconnectAttempts int
	startedAt         time.Time
	lastActivityAt    time.Time
}

// attempt is one Connect/Close cycle of one transport.
type attempt struct {
	id          uint64
	transport   stt.Transport
	cancel      context.CancelFunc
	connectDone chan struct{}
	startedAt   time.Time
	opened      bool
	sendFailed  bool
}

type timerKind int

const (
	timerReconnect timerKind = iota
	timerConnect
)

// Controller is the single owner of a session's connection lifecycle.
//
// Caller actions and recognizer events are both posted to one inbox and
// applied by one goroutine, so every transition sees a consistent state.
// Events carry the id of the attempt that produced them; events from any
// attempt other than the current one are ignored. A new transport is only
// created after the previous one has confirmed its close.
type Controller struct {
	cfg        Config
	transports stt.Factory
	tokens     token.Issuer
	capture    Capture
	results    *transcript.Aggregator
	sink       ResultSink
	clock      clock.Clock
	base       zerolog.Logger
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	inbox  chan event
	done   chan struct{}
	closed atomic.Bool

	snapMu sync.RWMutex
	snap   status

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	// Owned by the run goroutine.
	st             status
	chunker        *audio.Chunker
	current        *attempt
	nextAttempt    uint64
	draining       int
	pendingConnect bool
	initializing   bool
	wantRecording  bool
	recorder       *recorder
	timer          *clock.Timer
	timerSeq       uint64
	failures       int
	shuttingDown   bool
}

// New creates a controller and starts its event loop.
func New(cfg Config, deps Dependencies) *Controller {
	def := DefaultConfig()
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.CapacityDelay <= 0 {
		cfg.CapacityDelay = def.CapacityDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ChunkQueue <= 0 {
		cfg.ChunkQueue = def.ChunkQueue
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Results == nil {
		deps.Results = transcript.NewAggregator(deps.Metrics)
	}

	c := &Controller{
		cfg:        cfg,
		transports: deps.Transports,
		tokens:     deps.Tokens,
		capture:    deps.Capture,
		results:    deps.Results,
		sink:       deps.Sink,
		clock:      deps.Clock,
		base:       deps.Logger,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		inbox:      make(chan event, 256),
		done:       make(chan struct{}),
		subs:       make(map[int]chan Snapshot),
		chunker:    audio.NewChunker(cfg.MinChunkSamples),
	}
	c.st.state = StateDisconnected
	c.snap = c.st

	go c.run()
	return c
}

// StartSession requests a connection for languageCode. It returns immediately;
// progress is observed through snapshots.
func (c *Controller) StartSession(languageCode string) error {
	return c.request(cmdStart{languageCode: languageCode})
}

// BeginRecording opens the capture engine once the session is connected.
func (c *Controller) BeginRecording() error {
	return c.request(cmdBeginRecording{})
}

// StopRecording closes the capture engine and keeps the connection.
func (c *Controller) StopRecording() error {
	return c.request(cmdStopRecording{})
}

// ChangeLanguage closes the current connection with ReasonLanguageChanged and
// connects again with languageCode.
func (c *Controller) ChangeLanguage(languageCode string) error {
	return c.request(cmdChangeLanguage{languageCode: languageCode})
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Controller) Disconnect() error {
	return c.request(cmdDisconnect{})
}

// ClearResults drops the transcript history and the current partial.
func (c *Controller) ClearResults() error {
	return c.request(cmdClearResults{})
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	st := c.snap
	c.snapMu.RUnlock()
	return c.build(st)
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only miss intermediate snapshots. The returned func
// cancels the subscription.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		ch <- c.Snapshot()
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	// Read under subsMu: publish stores c.snap before it takes the lock.
	ch <- c.Snapshot()
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Close tears the controller down: recording stops, the transport is closed
// and pending timers are cancelled. It waits for the transport to confirm its
// close or for ctx to end. The controller cannot be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.post(cmdShutdown{})
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the event loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) request(ev event) error {
	if c.closed.Load() {
		return ErrControllerClosed
	}
	c.post(ev)
	return nil
}

func (c *Controller) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *Controller) run() {
	defer c.finish()

	for ev := range c.inbox {
		c.handle(ev)
		c.publish()
		if c.shuttingDown && c.draining == 0 {
			c.logger.Info().Msg("Session controller stopped")
			return
		}
	}
}

func (c *Controller) handle(ev event) {
	switch e := ev.(type) {
	case cmdStart:
		c.onStart(e.languageCode)
	case cmdChangeLanguage:
		c.onChangeLanguage(e.languageCode)
	case cmdBeginRecording:
		c.onBeginRecording()
	case cmdStopRecording:
		c.onStopRecording()
	case cmdDisconnect:
		c.teardown(stt.ReasonUserStop)
	case cmdClearResults:
		c.results.Clear()
	case cmdShutdown:
		c.teardown(stt.ReasonShutdown)
		c.shuttingDown = true

	case evConnectResult:
		if a := c.live(e.attempt); a != nil && e.err != nil {
			c.fail(e.err)
		}
	case evOpened:
		c.onOpened(e)
	case evClosed:
		c.onClosed(e)
	case evError:
		c.onError(e)
	case evPartial:
		if c.live(e.attempt) != nil {
			c.onPartial(e.text)
		}
	case evTurn:
		if c.live(e.attempt) != nil {
			c.onTurn(e.text, e.confidence)
		}
	case evSendFailed:
		c.onSendFailed(e)
	case evCloseDone:
		c.onCloseDone()
	case evTimer:
		c.onTimer(e)
	}
}

// live returns the current attempt if id refers to it.
func (c *Controller) live(id uint64) *attempt {
	if c.current == nil || c.current.id != id {
		return nil
	}
	return c.current
}

func (c *Controller) onStart(lang string) {
	if c.shuttingDown {
		return
	}
	if c.initializing {
		c.logger.Debug().Str("languageCode", lang).Msg("Start already in flight, dropping request")
		return
	}
	if c.st.state.IsLive() {
		if lang == c.st.languageCode {
			return
		}
		c.onChangeLanguage(lang)
		return
	}

	c.st.sessionID = c.cfg.SessionID
	if c.st.sessionID == "" {
		c.st.sessionID = uuid.NewString()
	}
	c.st.languageCode = lang
	c.st.lastError = nil
	c.st.startedAt = c.clock.Now()
	c.st.lastActivityAt = c.st.startedAt
	c.st.reconnectAttempts = 0
	c.failures = 0
	c.results.Clear()
	c.metrics.RecordSessionStart()

	c.logger = logging.WithSession(c.base, c.st.sessionID, lang)
	c.logger.Info().Msg("Starting transcription session")

	c.connectWhenClear()
}

func (c *Controller) onChangeLanguage(lang string) {
	if lang == "" || lang == c.st.languageCode {
		return
	}
	prev := c.st.languageCode
	c.st.languageCode = lang
	c.logger = logging.WithSession(c.base, c.st.sessionID, lang)
	if !c.st.state.IsLive() {
		return
	}

	c.logger.Info().
		Str("from", prev).
		Str("to", lang).
		Msg("Language changed, restarting connection")

	c.cancelTimer()
	c.stopRecorder()
	c.closeCurrent(stt.ReasonLanguageChanged)
	c.results.ClearPartial()
	c.connectWhenClear()
}

func (c *Controller) onBeginRecording() {
	switch c.st.state {
	case StateConnected:
		c.wantRecording = true
		c.startRecording()
	case StateConnecting, StateReconnecting:
		// Resumed on entering Connected.
		c.wantRecording = true
	case StateRecording:
	default:
		c.logger.Debug().Str("state", c.st.state.String()).Msg("BeginRecording ignored, no session")
	}
}

func (c *Controller) onStopRecording() {
	c.wantRecording = false
	if c.st.state == StateRecording {
		c.stopRecorder()
		c.setState(StateConnected)
	}
}

// teardown moves to Disconnected and releases everything the session holds.
func (c *Controller) teardown(reason stt.CloseReason) {
	c.wantRecording = false
	c.pendingConnect = false
	c.initializing = false
	c.failures = 0
	c.cancelTimer()
	c.stopRecorder()
	c.closeCurrent(reason)
	c.results.ClearPartial()
	c.setState(StateDisconnected)
}

// connectWhenClear starts a connect now, or as soon as the previous
// transport has confirmed its close.
func (c *Controller) connectWhenClear() {
	c.initializing = true
	c.setState(StateConnecting)
	if c.draining > 0 {
		c.pendingConnect = true
		return
	}
	c.connect()
}

func (c *Controller) connect() {
	c.nextAttempt++
	a := &attempt{
		id:          c.nextAttempt,
		connectDone: make(chan struct{}),
		startedAt:   c.clock.Now(),
	}
	a.transport = c.transports(&callback{c: c, attempt: a.id})
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	c.current = a
	c.setState(StateConnecting)
	c.armTimer(timerConnect, c.cfg.ConnectTimeout)

	p := stt.Params{
		SessionID:    c.st.sessionID,
		LanguageCode: c.st.languageCode,
		SampleRateHz: c.cfg.SampleRateHz,
		KeyTerms:     c.cfg.KeyTerms,
	}
	c.logger.Debug().
		Uint64("attempt", a.id).
		Str("languageCode", p.LanguageCode).
		Msg("Connecting to recognizer")

	go func() {
		defer close(a.connectDone)

		tok, err := c.tokens.Issue(ctx, p.SessionID, p.LanguageCode)
		c.metrics.RecordTokenRequest(err)
		if err != nil {
			if ctx.Err() == nil {
				c.post(evConnectResult{attempt: a.id, err: stt.NewError(stt.KindAuth, "credential request failed", err)})
			}
			return
		}
		p.Token = tok
		err = a.transport.Connect(ctx, p)
		c.post(evConnectResult{attempt: a.id, err: err})
	}()
}

// closeCurrent detaches the current attempt and closes its transport off the
// event loop. evCloseDone reports completion.
func (c *Controller) closeCurrent(reason stt.CloseReason) {
	a := c.current
	if a == nil {
		return
	}
	c.current = nil
	c.draining++

	c.logger.Debug().
		Uint64("attempt", a.id).
		Str("reason", string(reason)).
		Msg("Closing recognizer connection")

	logger := c.logger
	go func() {
		a.cancel()
		<-a.connectDone
		if err := a.transport.Close(reason); err != nil {
			logger.Warn().Err(err).Uint64("attempt", a.id).Msg("Transport close failed")
		}
		c.post(evCloseDone{attempt: a.id})
	}()
}

func (c *Controller) onCloseDone() {
	c.draining--
	if c.draining > 0 || !c.pendingConnect {
		return
	}
	c.pendingConnect = false
	if c.st.state == StateConnecting {
		c.connect()
	}
}

func (c *Controller) onOpened(e evOpened) {
	a := c.live(e.attempt)
	if a == nil || a.opened {
		return
	}
	a.opened = true
	c.cancelTimer()

	c.metrics.RecordConnectLatency(c.clock.Since(a.startedAt).Seconds())
	c.logger.Info().
		Uint64("attempt", a.id).
		Str("recognizerSession", e.info.ID).
		Time("expiresAt", e.info.ExpiresAt).
		Msg("Recognizer session opened")

	c.initializing = false
	c.failures = 0
	c.st.lastError = nil
	c.st.lastActivityAt = c.clock.Now()
	c.setState(StateConnected)

	if c.wantRecording {
		c.startRecording()
	}
}

func (c *Controller) onClosed(e evClosed) {
	a := c.live(e.attempt)
	if a == nil {
		return
	}

	log := c.logger.Info().
		Uint64("attempt", a.id).
		Int("code", e.code).
		Str("reason", e.reason)

	if e.code == stt.CloseNormal || e.reason == string(stt.ReasonLanguageChanged) {
		log.Msg("Recognizer closed the session")
		c.teardown(stt.ReasonShutdown)
		return
	}

	log.Msg("Recognizer connection lost")
	kind := stt.ClassifyClose(e.code, e.reason)
	c.fail(stt.NewError(kind, fmt.Sprintf("connection closed (%d %s)", e.code, e.reason), nil))
}

func (c *Controller) onError(e evError) {
	if c.live(e.attempt) == nil {
		return
	}
	kind := stt.KindOf(e.err)
	if kind == stt.KindProtocol {
		c.metrics.RecordTransportError(kind.String())
		c.logger.Warn().Err(e.err).Msg("Ignoring malformed recognizer message")
		return
	}
	c.fail(e.err)
}

func (c *Controller) onSendFailed(e evSendFailed) {
	a := c.live(e.attempt)
	if a == nil || a.sendFailed {
		return
	}
	a.sendFailed = true
	if !errors.Is(e.err, stt.ErrNotOpen) {
		c.logger.Warn().Err(e.err).Msg("Audio send failed")
		return
	}
	if c.st.state == StateConnected || c.st.state == StateRecording {
		c.fail(stt.NewError(stt.KindTransport, "connection no longer accepts audio", e.err))
	}
}

// fail handles a failure of the current attempt.
func (c *Controller) fail(err error) {
	kind := stt.KindOf(err)
	c.metrics.RecordTransportError(kind.String())
	c.logger.Warn().Err(err).Str("kind", kind.String()).Msg("Recognizer connection failed")

	c.cancelTimer()
	c.stopRecorder()
	c.closeCurrent(stt.ReasonReconnect)
	c.results.ClearPartial()
	c.initializing = false

	if !kind.Retryable() {
		c.wantRecording = false
		c.st.lastError = transportError(err)
		c.setState(StateFailed)
		return
	}
	if kind == stt.KindCapacity {
		c.st.lastError = transportError(err)
	}
	if c.st.state == StateConnecting {
		c.setState(StateFailed)
	}
	c.scheduleReconnect(kind)
}

func (c *Controller) scheduleReconnect(kind stt.ErrorKind) {
	c.failures++
	if c.failures > c.cfg.MaxAttempts {
		c.wantRecording = false
		c.st.lastError = &ErrorInfo{
			Kind:    ErrorReconnectExhausted,
			Message: fmt.Sprintf("Gave up after %d failed reconnect attempts.", c.cfg.MaxAttempts),
		}
		c.setState(StateFailed)
		return
	}

	delay := c.cfg.ReconnectDelay
	if kind == stt.KindCapacity {
		delay = c.cfg.CapacityDelay
	}
	c.st.reconnectAttempts++
	c.metrics.RecordReconnect(kind.String())
	c.logger.Info().
		Int("attempt", c.failures).
		Dur("delay", delay).
		Str("kind", kind.String()).
		Msg("Scheduling reconnect")

	c.setState(StateReconnecting)
	c.armTimer(timerReconnect, delay)
}

func (c *Controller) onTimer(e evTimer) {
	if e.seq != c.timerSeq {
		return
	}
	c.timer = nil

	switch e.kind {
	case timerReconnect:
		if c.st.state == StateReconnecting {
			c.connectWhenClear()
		}
	case timerConnect:
		if a := c.current; a != nil && !a.opened {
			c.fail(stt.NewError(stt.KindTransport, "timed out waiting for the recognizer", context.DeadlineExceeded))
		}
	}
}

func (c *Controller) armTimer(kind timerKind, d time.Duration) {
	c.cancelTimer()
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(d, func() {
		c.post(evTimer{seq: seq, kind: kind})
	})
}

func (c *Controller) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Controller) startRecording() {
	a := c.current
	if a == nil || c.recorder != nil {
		return
	}
	id := a.id
	r, err := startRecorder(
		c.capture,
		c.chunker,
		a.transport,
		c.cfg.ChunkQueue,
		func(err error) { c.post(evSendFailed{attempt: id, err: err}) },
		c.metrics,
		c.logger,
	)
	if err != nil {
		c.wantRecording = false
		c.st.lastError = deviceError(err)
		c.logger.Warn().Err(err).Msg("Could not open capture device")
		return
	}
	c.recorder = r
	c.st.lastError = nil
	c.setState(StateRecording)
}

func (c *Controller) stopRecorder() {
	if c.recorder == nil {
		return
	}
	c.recorder.stop()
	c.recorder = nil
}

func (c *Controller) onPartial(text string) {
	if !c.results.Partial(text) {
		return
	}
	now := c.clock.Now()
	c.st.lastActivityAt = now
	if c.sink != nil {
		c.sink.Partial(context.Background(), c.st.sessionID, c.st.languageCode, text, now)
	}
}

func (c *Controller) onTurn(text string, confidence float64) {
	r, ok := c.results.Final(text, confidence)
	if !ok {
		return
	}
	c.st.lastActivityAt = c.clock.Now()
	if c.sink != nil {
		c.sink.Final(context.Background(), c.st.sessionID, c.st.languageCode, r)
	}
}

func (c *Controller) setState(to ConnectionState) {
	from := c.st.state
	if from == to {
		return
	}
	if err := checkTransition(from, to); err != nil {
		c.logger.Error().Err(err).Msg("Rejected state change")
		return
	}
	c.st.state = to
	c.metrics.RecordTransition(from.String(), to.String())
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Connection state changed")
}

func (c *Controller) publish() {
	c.snapMu.Lock()
	c.snap = c.st
	c.snapMu.Unlock()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	s := c.build(c.st)
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (c *Controller) build(st status) Snapshot {
	r := c.results.Snapshot()
	return Snapshot{
		SessionID:         st.sessionID,
		LanguageCode:      st.languageCode,
		ConnectionState:   st.state,
		IsRecording:       st.state == StateRecording,
		CurrentPartial:    r.CurrentPartial,
		Results:           r.Results,
		LastError:         st.lastError,
		ReconnectAttempts: st.reconnectAttempts,
		StartedAt:         st.startedAt,
		LastActivityAt:    st.lastActivityAt,
	}
}

func (c *Controller) finish() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	close(c.done)
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
