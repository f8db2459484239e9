// Package transcript turns recognizer turn events into the ordered result
// feed shown to consumers.
package transcript

import (
	"strings"
	"sync"
	"time"

	"live-transcription-client/internal/models"
	"live-transcription-client/internal/observability/metrics"
)

// Snapshot is a consistent copy of the aggregator state.
type Snapshot struct {
	CurrentPartial string                    `json:"currentPartial"`
	Results        []models.TranscriptResult `json:"results"`
}

// Aggregator holds the append-only history of final results plus at most one
// live partial.
//
// Invariants:
//   - blank text never changes state
//   - result ids are strictly increasing for the lifetime of the instance,
//     Clear included
//   - finals keep the order in which they were received
type Aggregator struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	results []models.TranscriptResult
	partial string
	nextID  uint64
}

// NewAggregator creates an empty aggregator.
func NewAggregator(m *metrics.Metrics) *Aggregator {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Aggregator{metrics: m, now: time.Now}
}

// Partial replaces the current partial. It reports whether text was accepted.
func (a *Aggregator) Partial(text string) bool {
	if isBlank(text) {
		a.metrics.RecordTranscriptDiscarded(string(models.StatusPartial), "blank")
		return false
	}

	a.mu.Lock()
	a.partial = text
	a.mu.Unlock()

	a.metrics.RecordPartialTranscript()
	return true
}

// Final appends a final result and clears the current partial.
func (a *Aggregator) Final(text string, confidence float64) (models.TranscriptResult, bool) {
	if isBlank(text) {
		a.metrics.RecordTranscriptDiscarded(string(models.StatusFinal), "blank")
		return models.TranscriptResult{}, false
	}

	a.mu.Lock()
	r := models.TranscriptResult{
		ID:         a.nextID,
		Text:       text,
		Confidence: clamp(confidence),
		Status:     models.StatusFinal,
		Timestamp:  a.now(),
	}
	a.nextID++
	a.results = append(a.results, r)
	a.partial = ""
	a.mu.Unlock()

	a.metrics.RecordFinalTranscript()
	return r, true
}

// Clear drops the history and the current partial. Ids keep counting.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = nil
	a.partial = ""
}

// ClearPartial drops only the current partial, e.g. when its connection ends.
func (a *Aggregator) ClearPartial() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial = ""
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	results := make([]models.TranscriptResult, len(a.results))
	copy(results, a.results)
	return Snapshot{CurrentPartial: a.partial, Results: results}
}

// Len returns the number of final results held.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.results)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
