package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/models"
	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/service/capture"
	"live-transcription-client/internal/service/stt"
	"live-transcription-client/internal/service/token"
)

// testTransport is a recognizer connection driven by the test.
type testTransport struct {
	f  *testFactory
	cb stt.Callback

	mu        sync.Mutex
	params    stt.Params
	open      bool
	closeWith []stt.CloseReason
	sent      [][]byte
	sendErr   error
}

func (t *testTransport) Connect(_ context.Context, p stt.Params) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.f.connects++
	if t.f.connectErr != nil {
		return t.f.connectErr
	}
	t.mu.Lock()
	t.params = p
	t.open = true
	t.mu.Unlock()
	t.f.openNow++
	if t.f.openNow > t.f.maxOpen {
		t.f.maxOpen = t.f.openNow
	}
	return nil
}

func (t *testTransport) SendAudio(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if !t.open {
		return stt.ErrNotOpen
	}
	t.sent = append(t.sent, append([]byte(nil), b...))
	return nil
}

func (t *testTransport) Close(reason stt.CloseReason) error {
	t.mu.Lock()
	wasOpen := t.open
	t.open = false
	t.closeWith = append(t.closeWith, reason)
	t.mu.Unlock()

	if wasOpen {
		t.f.mu.Lock()
		t.f.openNow--
		t.f.mu.Unlock()
		t.cb.OnClosed(stt.CloseNormal, string(reason))
	}
	return nil
}

func (t *testTransport) Params() stt.Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *testTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *testTransport) ClosedWith() []stt.CloseReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stt.CloseReason(nil), t.closeWith...)
}

func (t *testTransport) SetSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

type testFactory struct {
	mu         sync.Mutex
	created    []*testTransport
	connects   int
	openNow    int
	maxOpen    int
	connectErr error
}

func (f *testFactory) New(cb stt.Callback) stt.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &testTransport{f: f, cb: cb}
	f.created = append(f.created, t)
	return t
}

func (f *testFactory) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *testFactory) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

func (f *testFactory) Transport(i int) *testTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

// testCapture is a capture engine fed by the test.
type testCapture struct {
	mu      sync.Mutex
	handler capture.FrameHandler
	openErr error
	opens   int
	closes  int
	seq     uint64
}

func (c *testCapture) Open(h capture.FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opens++
	c.handler = h
	return nil
}

func (c *testCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.handler = nil
	return nil
}

func (c *testCapture) Emit(samples int) {
	c.mu.Lock()
	h := c.handler
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(capture.Frame{Seq: seq, Samples: make([]int16, samples), CapturedAt: time.Now()})
}

func (c *testCapture) Counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

type testSink struct {
	mu       sync.Mutex
	partials []string
	finals   []models.TranscriptResult
}

func (s *testSink) Partial(_ context.Context, _, _, text string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, text)
}

func (s *testSink) Final(_ context.Context, _, _ string, r models.TranscriptResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, r)
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context, string, string) (string, error) {
	return "", &token.StatusError{StatusCode: 500, Body: "issuer down"}
}

type harness struct {
	c       *Controller
	factory *testFactory
	capture *testCapture
	sink    *testSink
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Config, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		factory: &testFactory{},
		capture: &testCapture{},
		sink:    &testSink{},
		clock:   clock.NewMock(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	cfg := DefaultConfig()
	cfg.SessionID = "sess-1"
	deps := Dependencies{
		Transports: h.factory.New,
		Tokens:     token.Static("tok"),
		Capture:    h.capture,
		Sink:       h.sink,
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
		Metrics:    h.metrics,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.c = New(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.c.Close(ctx)
	})
	return h
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want ConnectionState) Snapshot {
	t.Helper()
	var s Snapshot
	waitUntil(t, "state "+want.String(), func() bool {
		s = h.c.Snapshot()
		return s.ConnectionState == want
	})
	return s
}

// connected starts a session and completes the handshake of attempt i.
func (h *harness) connected(t *testing.T, lang string) *testTransport {
	t.Helper()
	before := h.factory.Connects()
	if err := h.c.StartSession(lang); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	waitUntil(t, "connect", func() bool { return h.factory.Connects() > before })
	tr := h.factory.Transport(h.factory.Connects() - 1)
	tr.cb.OnOpened(stt.SessionInfo{ID: "srv-1"})
	h.waitState(t, StateConnected)
	return tr
}

// settle gives the event loop time to act on anything it should not act on.
func settle() {
	time.Sleep(30 * time.Millisecond)
}

func TestController_StartConnects(t *testing.T) {
	h := newHarness(t, nil)

	if s := h.c.Snapshot(); s.ConnectionState != StateDisconnected {
		t.Fatalf("expected initial state DISCONNECTED, got %s", s.ConnectionState)
	}

	tr := h.connected(t, "en")

	p := tr.Params()
	if p.SessionID != "sess-1" || p.LanguageCode != "en" || p.Token != "tok" || p.SampleRateHz != 16000 {
		t.Errorf("unexpected connect params %+v", p)
	}

	s := h.c.Snapshot()
	if s.SessionID != "sess-1" || s.LanguageCode != "en" {
		t.Errorf("unexpected snapshot identity %+v", s)
	}
	if s.LastError != nil {
		t.Errorf("expected no error, got %v", s.LastError)
	}
	if s.StartedAt.IsZero() {
		t.Error("expected startedAt to be set")
	}
}

func TestController_GeneratesSessionID(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Dependencies) { cfg.SessionID = "" })
	h.connected(t, "en")

	if id := h.c.Snapshot().SessionID; len(id) != 36 {
		t.Errorf("expected a generated uuid, got %q", id)
	}
}

func TestController_NoDualSessions(t *testing.T) {
	h := newHarness(t, nil)

	// Rapid repeated starts while the first is in flight.
	for i := 0; i < 5; i++ {
		_ = h.c.StartSession("en")
	}
	_ = h.c.StartSession("fr")
	waitUntil(t, "connect", func() bool { return h.factory.Connects() == 1 })
	settle()

	h.factory.Transport(0).cb.OnOpened(stt.SessionInfo{})
	h.waitState(t, StateConnected)

	// Same language while connected is a no-op.
	_ = h.c.StartSession("en")
	settle()

	if n := h.factory.Connects(); n != 1 {
		t.Errorf("expected exactly one connect, got %d", n)
	}
	if s := h.c.Snapshot(); s.LanguageCode != "en" {
		t.Errorf("start during initialization must be dropped, language is %q", s.LanguageCode)
	}
}

func TestController_EndToEndChunk(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Dependencies) { cfg.MinChunkSamples = 12288 })
	tr := h.connected(t, "en")

	_ = h.c.BeginRecording()
	s := h.waitState(t, StateRecording)
	if !s.IsRecording {
		t.Error("expected isRecording")
	}

	for i := 0; i < 3; i++ {
		h.capture.Emit(4096)
	}

	waitUntil(t, "chunk sent", func() bool { return len(tr.Sent()) == 1 })
	settle()

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	if len(sent[0]) != 12288*2 {
		t.Errorf("expected a 12288-sample chunk, got %d bytes", len(sent[0]))
	}
}

func TestController_PartialThenFinal(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnTurnPartial("hello wor")
	tr.cb.OnTurn("hello world", 0.92)

	var s Snapshot
	waitUntil(t, "final result", func() bool {
		s = h.c.Snapshot()
		return len(s.Results) == 1
	})

	if s.CurrentPartial != "" {
		t.Errorf("expected partial cleared, got %q", s.CurrentPartial)
	}
	r := s.Results[0]
	if r.ID != 0 || r.Text != "hello world" || r.Confidence != 0.92 || r.Status != models.StatusFinal {
		t.Errorf("unexpected result %+v", r)
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.partials) != 1 || len(h.sink.finals) != 1 {
		t.Errorf("expected hand-off of one partial and one final, got %d/%d", len(h.sink.partials), len(h.sink.finals))
	}
}

func TestController_BlankTranscriptsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnTurnPartial("draft")
	tr.cb.OnTurnPartial("   ")
	tr.cb.OnTurn("", 0.5)
	tr.cb.OnTurn("real", 0.5)

	var s Snapshot
	waitUntil(t, "final result", func() bool {
		s = h.c.Snapshot()
		return len(s.Results) == 1
	})
	if s.Results[0].Text != "real" {
		t.Errorf("blank final appended: %+v", s.Results)
	}
}

func TestController_AbnormalCloseReconnects(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")
	_ = h.c.BeginRecording()
	h.waitState(t, StateRecording)

	tr.cb.OnClosed(stt.CloseAbnormal, "")

	s := h.waitState(t, StateReconnecting)
	if s.ReconnectAttempts != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", s.ReconnectAttempts)
	}
	if _, closes := h.capture.Counts(); closes != 1 {
		t.Errorf("expected capture closed while reconnecting, got %d closes", closes)
	}

	h.clock.Add(1999 * time.Millisecond)
	settle()
	if n := h.factory.Connects(); n != 1 {
		t.Fatalf("reconnected before the backoff elapsed (%d connects)", n)
	}

	h.clock.Add(time.Millisecond)
	waitUntil(t, "reconnect", func() bool { return h.factory.Connects() == 2 })
	settle()
	if n := h.factory.Connects(); n != 2 {
		t.Fatalf("expected exactly one new connect, got %d total", n)
	}
	if s := h.c.Snapshot(); s.ConnectionState != StateConnecting {
		t.Errorf("expected CONNECTING, got %s", s.ConnectionState)
	}

	// Recording resumes once the new connection opens.
	h.factory.Transport(1).cb.OnOpened(stt.SessionInfo{})
	h.waitState(t, StateRecording)
	if opens, _ := h.capture.Counts(); opens != 2 {
		t.Errorf("expected capture reopened, got %d opens", opens)
	}
}

func TestController_DisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnClosed(stt.CloseAbnormal, "")
	h.waitState(t, StateReconnecting)

	_ = h.c.Disconnect()
	h.waitState(t, StateDisconnected)

	h.clock.Add(time.Minute)
	settle()

	if n := h.factory.Connects(); n != 1 {
		t.Errorf("reconnect fired after disconnect (%d connects)", n)
	}
	if s := h.c.Snapshot(); s.ConnectionState != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", s.ConnectionState)
	}
}

func TestController_NewSessionStartsClean(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnTurn("old session text", 0.9)
	waitUntil(t, "final result", func() bool { return len(h.c.Snapshot().Results) == 1 })

	tr.cb.OnClosed(stt.CloseAbnormal, "")
	if s := h.waitState(t, StateReconnecting); s.ReconnectAttempts != 1 {
		t.Fatalf("expected 1 reconnect attempt, got %d", s.ReconnectAttempts)
	}
	_ = h.c.Disconnect()
	h.waitState(t, StateDisconnected)

	next := h.connected(t, "fr")
	s := h.c.Snapshot()
	if len(s.Results) != 0 {
		t.Errorf("new session inherited results %+v", s.Results)
	}
	if s.ReconnectAttempts != 0 {
		t.Errorf("new session inherited %d reconnect attempts", s.ReconnectAttempts)
	}
	if s.LanguageCode != "fr" {
		t.Errorf("expected fr, got %q", s.LanguageCode)
	}

	// Ids keep counting across sessions.
	next.cb.OnTurn("new session text", 0.8)
	waitUntil(t, "final result", func() bool { return len(h.c.Snapshot().Results) == 1 })
	if r := h.c.Snapshot().Results[0]; r.ID != 1 || r.Text != "new session text" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestController_LanguageChangeIsolation(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connected(t, "en")
	_ = h.c.BeginRecording()
	h.waitState(t, StateRecording)

	_ = h.c.ChangeLanguage("fr")

	waitUntil(t, "new connect", func() bool { return h.factory.Connects() == 2 })
	settle()

	if n := h.factory.Connects(); n != 2 {
		t.Fatalf("expected exactly one new connect, got %d total", n)
	}
	if reasons := first.ClosedWith(); len(reasons) != 1 || reasons[0] != stt.ReasonLanguageChanged {
		t.Errorf("expected close with %q, got %v", stt.ReasonLanguageChanged, reasons)
	}
	second := h.factory.Transport(1)
	if lang := second.Params().LanguageCode; lang != "fr" {
		t.Errorf("expected new connection in fr, got %q", lang)
	}
	if m := h.factory.MaxOpen(); m != 1 {
		t.Errorf("expected at most one open connection, saw %d", m)
	}

	s := h.c.Snapshot()
	if s.ReconnectAttempts != 0 {
		t.Errorf("language change touched the reconnect counter: %d", s.ReconnectAttempts)
	}
	if got := testutil.CollectAndCount(h.metrics.ReconnectsTotal); got != 0 {
		t.Errorf("expected no reconnects recorded, got %d series", got)
	}
	if got := testutil.ToFloat64(h.metrics.StateTransitions.WithLabelValues("RECORDING", "CONNECTING")); got != 1 {
		t.Errorf("expected one Connecting cycle, got %v", got)
	}

	// Late events from the old connection are ignored.
	first.cb.OnTurn("stale", 0.9)
	second.cb.OnOpened(stt.SessionInfo{})
	s = h.waitState(t, StateRecording)
	if s.LanguageCode != "fr" {
		t.Errorf("expected language fr, got %q", s.LanguageCode)
	}
	second.cb.OnTurn("bonjour", 0.9)
	waitUntil(t, "final", func() bool { return len(h.c.Snapshot().Results) > 0 })
	if res := h.c.Snapshot().Results; len(res) != 1 || res[0].Text != "bonjour" {
		t.Errorf("unexpected results %+v", res)
	}
}

func TestController_StartWithNewLanguageChangesLanguage(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connected(t, "en")

	_ = h.c.StartSession("de")
	waitUntil(t, "new connect", func() bool { return h.factory.Connects() == 2 })

	if reasons := first.ClosedWith(); len(reasons) != 1 || reasons[0] != stt.ReasonLanguageChanged {
		t.Errorf("expected close with %q, got %v", stt.ReasonLanguageChanged, reasons)
	}
	if lang := h.factory.Transport(1).Params().LanguageCode; lang != "de" {
		t.Errorf("expected de, got %q", lang)
	}
}

func TestController_AuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Dependencies) { deps.Tokens = failingIssuer{} })

	_ = h.c.StartSession("en")
	s := h.waitState(t, StateFailed)

	if s.LastError == nil || s.LastError.Kind != ErrorAuth {
		t.Fatalf("expected auth error, got %+v", s.LastError)
	}

	h.clock.Add(time.Minute)
	settle()

	if n := h.factory.Connects(); n != 0 {
		t.Errorf("transport connected without a credential (%d)", n)
	}
	if s := h.c.Snapshot(); s.ConnectionState != StateFailed || s.ReconnectAttempts != 0 {
		t.Errorf("auth failure must not reconnect: %+v", s)
	}
	if got := testutil.ToFloat64(h.metrics.TokenRequests.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed token request, got %v", got)
	}
}

func TestController_CapacityUsesLongerDelay(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnError(stt.NewError(stt.KindCapacity, "too many concurrent sessions", nil))
	s := h.waitState(t, StateReconnecting)
	if s.LastError == nil || s.LastError.Kind != ErrorCapacity {
		t.Errorf("expected capacity error, got %+v", s.LastError)
	}

	h.clock.Add(2 * time.Second)
	settle()
	if n := h.factory.Connects(); n != 1 {
		t.Fatalf("capacity backoff too short (%d connects)", n)
	}

	h.clock.Add(3 * time.Second)
	waitUntil(t, "reconnect", func() bool { return h.factory.Connects() == 2 })
}

func TestController_ReconnectExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Dependencies) { cfg.MaxAttempts = 2 })
	h.factory.connectErr = errors.New("dial refused")

	_ = h.c.StartSession("en")
	for i := 1; i <= 2; i++ {
		waitUntil(t, "reconnect scheduled", func() bool {
			s := h.c.Snapshot()
			return s.ConnectionState == StateReconnecting && s.ReconnectAttempts == i
		})
		h.clock.Add(2 * time.Second)
	}

	s := h.waitState(t, StateFailed)
	if s.LastError == nil || s.LastError.Kind != ErrorReconnectExhausted {
		t.Fatalf("expected reconnect_exhausted, got %+v", s.LastError)
	}
	if n := h.factory.Connects(); n != 3 {
		t.Errorf("expected 3 connects, got %d", n)
	}
}

func TestController_ConnectTimeout(t *testing.T) {
	h := newHarness(t, nil)

	_ = h.c.StartSession("en")
	waitUntil(t, "connect", func() bool { return h.factory.Connects() == 1 })
	settle()

	h.clock.Add(10 * time.Second)
	s := h.waitState(t, StateReconnecting)
	if s.ReconnectAttempts != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", s.ReconnectAttempts)
	}
}

func TestController_NormalRemoteCloseDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnClosed(stt.CloseNormal, "session expired")
	h.waitState(t, StateDisconnected)

	h.clock.Add(time.Minute)
	settle()
	if n := h.factory.Connects(); n != 1 {
		t.Errorf("normal close must not reconnect (%d connects)", n)
	}
}

func TestController_DeviceErrorKeepsConnection(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{capture.ErrPermissionDenied, ErrorPermissionDenied},
		{capture.ErrDeviceBusy, ErrorDeviceBusy},
		{capture.ErrDeviceUnavailable, ErrorDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness(t, nil)
			h.capture.openErr = tt.err
			h.connected(t, "en")

			_ = h.c.BeginRecording()
			var s Snapshot
			waitUntil(t, "device error", func() bool {
				s = h.c.Snapshot()
				return s.LastError != nil
			})
			if s.LastError.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, s.LastError.Kind)
			}
			if s.ConnectionState != StateConnected {
				t.Errorf("expected CONNECTED, got %s", s.ConnectionState)
			}
		})
	}
}

func TestController_SendFailureTriggersReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")
	_ = h.c.BeginRecording()
	h.waitState(t, StateRecording)

	tr.SetSendErr(stt.ErrNotOpen)
	h.capture.Emit(4096)
	h.capture.Emit(4096)

	h.waitState(t, StateReconnecting)
	if got := testutil.ToFloat64(h.metrics.ChunksDropped.WithLabelValues("not_open")); got != 1 {
		t.Errorf("expected 1 dropped chunk, got %v", got)
	}
}

func TestController_StopRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, "en")
	_ = h.c.BeginRecording()
	h.waitState(t, StateRecording)

	_ = h.c.StopRecording()
	s := h.waitState(t, StateConnected)

	if s.IsRecording {
		t.Error("expected isRecording false")
	}
	if opens, closes := h.capture.Counts(); opens != 1 || closes != 1 {
		t.Errorf("expected capture opened and closed once, got %d/%d", opens, closes)
	}
}

func TestController_ClearResults(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")

	tr.cb.OnTurn("one", 0.9)
	tr.cb.OnTurnPartial("tw")
	waitUntil(t, "partial", func() bool { return h.c.Snapshot().CurrentPartial == "tw" })

	_ = h.c.ClearResults()
	waitUntil(t, "clear", func() bool {
		s := h.c.Snapshot()
		return len(s.Results) == 0 && s.CurrentPartial == ""
	})

	if s := h.c.Snapshot(); s.ConnectionState != StateConnected {
		t.Errorf("clear must not affect the connection, got %s", s.ConnectionState)
	}
}

func TestController_Subscribe(t *testing.T) {
	h := newHarness(t, nil)
	feed, cancel := h.c.Subscribe()
	defer cancel()

	if s := <-feed; s.ConnectionState != StateDisconnected {
		t.Fatalf("expected initial snapshot, got %s", s.ConnectionState)
	}

	_ = h.c.StartSession("en")
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-feed:
			if s.ConnectionState == StateConnecting {
				return
			}
		case <-timeout:
			t.Fatal("no CONNECTING snapshot delivered")
		}
	}
}

func TestController_SubscribeNeverMissesLatestState(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.c.StartSession("en")
	waitUntil(t, "connect", func() bool { return h.factory.Connects() == 1 })

	const n = 50
	feeds := make([]<-chan Snapshot, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			feed, cancel := h.c.Subscribe()
			t.Cleanup(cancel)
			feeds[i] = feed
		}(i)
	}
	h.factory.Transport(0).cb.OnOpened(stt.SessionInfo{})
	wg.Wait()
	h.waitState(t, StateConnected)
	settle()

	for i, feed := range feeds {
		var last Snapshot
	drain:
		for {
			select {
			case last = <-feed:
			default:
				break drain
			}
		}
		if last.ConnectionState != StateConnected {
			t.Errorf("subscriber %d: latest snapshot is %s, want CONNECTED", i, last.ConnectionState)
		}
	}
}

func TestController_CloseTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connected(t, "en")
	_ = h.c.BeginRecording()
	h.waitState(t, StateRecording)

	feed, _ := h.c.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if reasons := tr.ClosedWith(); len(reasons) != 1 || reasons[0] != stt.ReasonShutdown {
		t.Errorf("expected close with %q, got %v", stt.ReasonShutdown, reasons)
	}
	if _, closes := h.capture.Counts(); closes != 1 {
		t.Errorf("expected capture released, got %d closes", closes)
	}
	if err := h.c.StartSession("en"); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("expected ErrControllerClosed, got %v", err)
	}
	if err := h.c.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	for range feed {
	}
}
