// Package mock provides a mock STT transport for running without a recognizer.
// It simulates realistic streaming behavior with progressive partial transcripts
// and exactly one final transcript per utterance.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"live-transcription-client/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample lecture utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Today we", "Today we will", "Today we will look at"},
		Final:      "Today we will look at cellular respiration",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"The mitochondria", "The mitochondria produce"},
		Final:      "The mitochondria produce most of the cell's energy",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Please", "Please open", "Please open your notes"},
		Final:      "Please open your notes to chapter four",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Any", "Any questions"},
		Final:      "Any questions so far",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you everyone",
		Confidence: 0.98,
	},
}

// Delays used to simulate recognizer latency.
var (
	OpenDelay    = 20 * time.Millisecond
	PartialDelay = 50 * time.Millisecond
	FinalDelay   = 100 * time.Millisecond
)

// Adapter implements stt.Transport with simulated responses.
// Each chunk of audio advances the current utterance by one partial; once
// all partials are out the next chunk produces the final and the adapter
// moves on to the next utterance.
type Adapter struct {
	cb stt.Callback

	mu           sync.Mutex
	connected    bool
	closed       bool
	audioChunks  int
	utteranceIdx int
	partialIndex int
	finalSent    bool
	params       stt.Params
	pending      sync.WaitGroup
}

// utteranceCounter spreads successive adapters across the utterance list.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// New creates a new mock transport bound to cb.
func New(cb stt.Callback) *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Adapter{cb: cb, utteranceIdx: idx}
}

// Factory is an stt.Factory producing mock transports.
func Factory(cb stt.Callback) stt.Transport {
	return New(cb)
}

// Connect simulates a successful handshake.
func (a *Adapter) Connect(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected || a.closed {
		return stt.ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return stt.NewError(stt.KindTransport, "connect cancelled", err)
	}
	a.connected = true
	a.params = p

	info := stt.SessionInfo{
		ID:        fmt.Sprintf("mock-%s", p.SessionID),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	a.after(OpenDelay, func() { a.cb.OnOpened(info) })
	return nil
}

// SendAudio advances the simulation by one step.
func (a *Adapter) SendAudio(audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected || a.closed {
		return stt.ErrNotOpen
	}
	a.audioChunks++

	utt := DefaultUtterances[a.utteranceIdx]
	if a.partialIndex < len(utt.Partials) {
		text := utt.Partials[a.partialIndex]
		a.partialIndex++
		a.after(PartialDelay, func() { a.cb.OnTurnPartial(text) })
		return nil
	}

	if !a.finalSent {
		a.finalSent = true
		a.after(FinalDelay, func() { a.cb.OnTurn(utt.Final, utt.Confidence) })
		return nil
	}

	// Silence between utterances: start the next one.
	a.utteranceIdx = (a.utteranceIdx + 1) % len(DefaultUtterances)
	a.partialIndex = 0
	a.finalSent = false
	return nil
}

// Close ends the mock session. Pending simulated events are flushed before
// OnClosed so the close is always the last callback.
func (a *Adapter) Close(reason stt.CloseReason) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	wasConnected := a.connected
	a.closed = true
	a.mu.Unlock()

	a.pending.Wait()
	if wasConnected {
		a.cb.OnClosed(stt.CloseNormal, string(reason))
	}
	return nil
}

// AudioChunks returns the number of chunks received.
func (a *Adapter) AudioChunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioChunks
}

// after runs fn after d unless the adapter has been closed. Callers hold a.mu.
func (a *Adapter) after(d time.Duration, fn func()) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		time.Sleep(d)
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if !closed {
			fn()
		}
	}()
}
