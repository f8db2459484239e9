// Package websocket implements stt.Transport against a streaming recognizer
// that speaks JSON control messages and binary PCM over a websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/service/stt"
)

// Config holds recognizer connection settings.
type Config struct {
	URL          string
	Encoding     string
	FormatTurns  bool
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CloseTimeout bounds how long Close waits for the recognizer to finish.
	CloseTimeout time.Duration
}

// DefaultConfig returns sensible default connection settings.
func DefaultConfig() Config {
	return Config{
		URL:          "wss://streaming.assemblyai.com/v3/ws",
		Encoding:     "pcm_s16le",
		FormatTurns:  true,
		PingInterval: 20 * time.Second,
		WriteTimeout: 5 * time.Second,
		CloseTimeout: 3 * time.Second,
	}
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// Transport is a single-use recognizer connection.
type Transport struct {
	cfg     Config
	cb      stt.Callback
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	mu          sync.Mutex
	state       connState
	conn        *websocket.Conn
	closeReason stt.CloseReason
	done        chan struct{}

	writeMu    sync.Mutex
	closedOnce sync.Once
}

// New creates a transport that reports to cb.
func New(cfg Config, cb stt.Callback, logger zerolog.Logger, m *metrics.Metrics) *Transport {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Transport{
		cfg:     cfg,
		cb:      cb,
		logger:  logger,
		metrics: m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// NewFactory returns an stt.Factory producing websocket transports.
func NewFactory(cfg Config, logger zerolog.Logger, m *metrics.Metrics) stt.Factory {
	return func(cb stt.Callback) stt.Transport {
		return New(cfg, cb, logger, m)
	}
}

// Connect dials the recognizer. It returns once the socket is up; the Begin
// message arrives later as OnOpened.
func (t *Transport) Connect(ctx context.Context, p stt.Params) error {
	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return stt.ErrAlreadyConnected
	}
	t.state = stateConnecting
	t.mu.Unlock()

	target, err := t.buildURL(p)
	if err != nil {
		t.setState(stateClosed)
		return stt.NewError(stt.KindProtocol, "invalid recognizer URL", err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		t.setState(stateClosed)
		cerr := classifyDial(resp, err)
		t.metrics.RecordTransportError(stt.KindOf(cerr).String())
		return cerr
	}

	t.mu.Lock()
	if t.state != stateConnecting {
		// Closed while dialing.
		t.mu.Unlock()
		conn.Close()
		return stt.ErrNotOpen
	}
	t.state = stateOpen
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info().
		Str("sessionId", p.SessionID).
		Str("languageCode", p.LanguageCode).
		Int("sampleRate", p.SampleRateHz).
		Msg("Recognizer socket connected")

	go t.readLoop(conn)
	go t.keepAlive(conn)
	return nil
}

// SendAudio writes one binary PCM message.
func (t *Transport) SendAudio(audio []byte) error {
	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		return stt.ErrNotOpen
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("%w: %v", stt.ErrNotOpen, err)
	}
	return nil
}

// Close asks the recognizer to terminate, sends a close frame carrying reason
// and waits for the read loop to finish. OnClosed reports reason with a
// normal close code.
func (t *Transport) Close(reason stt.CloseReason) error {
	t.mu.Lock()
	switch t.state {
	case stateIdle, stateConnecting:
		t.state = stateClosed
		t.mu.Unlock()
		return nil
	case stateClosing, stateClosed:
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosing
	t.closeReason = reason
	conn := t.conn
	t.mu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err := conn.WriteJSON(TerminateMessage{Type: MessageTypeTerminate})
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Debug().Err(err).Msg("Terminate message not delivered")
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason))
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		t.logger.Debug().Err(err).Msg("Close frame not delivered")
	}

	select {
	case <-t.done:
	case <-time.After(t.cfg.CloseTimeout):
		t.logger.Warn().Str("reason", string(reason)).Msg("Recognizer did not close in time, dropping socket")
		conn.Close()
		<-t.done
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := stt.CloseAbnormal, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			t.finish(code, reason, err)
			return
		}
		t.dispatch(data)
	}
}

// finish runs once per connection. A close we initiated is reported with
// our own reason regardless of what the server echoed.
func (t *Transport) finish(code int, reason string, err error) {
	t.mu.Lock()
	if t.state == stateClosing {
		code, reason = stt.CloseNormal, string(t.closeReason)
	}
	t.state = stateClosed
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	t.closedOnce.Do(func() {
		close(t.done)
		if code != stt.CloseNormal {
			t.logger.Warn().Err(err).Int("code", code).Str("reason", reason).Msg("Recognizer connection closed")
		} else {
			t.logger.Info().Str("reason", reason).Msg("Recognizer connection closed")
		}
		t.cb.OnClosed(code, reason)
	})
}

func (t *Transport) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		t.metrics.RecordTransportError(stt.KindProtocol.String())
		t.cb.OnError(stt.NewError(stt.KindProtocol, "undecodable recognizer message", err))
		return
	}

	switch m := msg.(type) {
	case *BeginMessage:
		t.cb.OnOpened(stt.SessionInfo{ID: m.ID, ExpiresAt: unixTime(m.ExpiresAt)})

	case *TurnMessage:
		if t.isFinal(m) {
			t.cb.OnTurn(m.Transcript, m.Confidence())
			return
		}
		t.cb.OnTurnPartial(m.Transcript)

	case *TerminationMessage:
		t.logger.Debug().
			Float64("audioSeconds", m.AudioDurationSeconds).
			Float64("sessionSeconds", m.SessionDurationSeconds).
			Msg("Recognizer session terminated")

	case *ErrorMessage:
		kind := stt.KindTransport
		if stt.IsCapacityMessage(m.Error) {
			kind = stt.KindCapacity
		}
		t.metrics.RecordTransportError(kind.String())
		t.cb.OnError(stt.NewError(kind, m.Error, nil))
	}
}

// isFinal decides whether a turn is the immutable result for its utterance.
// With formatting requested the recognizer sends the end-of-turn twice and
// only the formatted copy counts.
func (t *Transport) isFinal(m *TurnMessage) bool {
	if !m.EndOfTurn {
		return false
	}
	return !t.cfg.FormatTurns || m.TurnIsFormatted
}

func (t *Transport) keepAlive(conn *websocket.Conn) {
	if t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (t *Transport) buildURL(p stt.Params) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(p.SampleRateHz))
	q.Set("encoding", t.cfg.Encoding)
	q.Set("format_turns", strconv.FormatBool(t.cfg.FormatTurns))
	if p.LanguageCode != "" {
		q.Set("language", p.LanguageCode)
	}
	if p.Token != "" {
		q.Set("token", p.Token)
	}
	if len(p.KeyTerms) > 0 {
		terms, err := json.Marshal(p.KeyTerms)
		if err != nil {
			return "", err
		}
		q.Set("keyterms_prompt", string(terms))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) setState(s connState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func classifyDial(resp *http.Response, err error) error {
	if resp == nil {
		return stt.NewError(stt.KindTransport, "dial recognizer", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return stt.NewError(stt.KindAuth, fmt.Sprintf("recognizer rejected credential (HTTP %d)", resp.StatusCode), err)
	case http.StatusTooManyRequests:
		return stt.NewError(stt.KindCapacity, "too many concurrent sessions", err)
	default:
		return stt.NewError(stt.KindTransport, fmt.Sprintf("recognizer handshake failed (HTTP %d)", resp.StatusCode), err)
	}
}
