package transcript

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/models"
	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/schema"
)

func newTestAggregator() (*Aggregator, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewAggregator(m), m
}

func TestAggregator_PartialThenFinal(t *testing.T) {
	a, _ := newTestAggregator()

	a.Partial("hello wor")
	if got := a.Snapshot().CurrentPartial; got != "hello wor" {
		t.Fatalf("expected partial 'hello wor', got %q", got)
	}

	a.Final("hello world", 0.92)

	want := Snapshot{
		CurrentPartial: "",
		Results: []models.TranscriptResult{
			{ID: 0, Text: "hello world", Confidence: 0.92, Status: models.StatusFinal},
		},
	}
	if diff := cmp.Diff(want, a.Snapshot(), cmpopts.IgnoreFields(models.TranscriptResult{}, "Timestamp")); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregator_BlankTextIsIgnored(t *testing.T) {
	a, m := newTestAggregator()
	a.Partial("current")

	blanks := []string{"", " ", "\t\n", "    "}
	for _, b := range blanks {
		if a.Partial(b) {
			t.Errorf("blank partial %q accepted", b)
		}
		if _, ok := a.Final(b, 0.9); ok {
			t.Errorf("blank final %q accepted", b)
		}
	}

	snap := a.Snapshot()
	if snap.CurrentPartial != "current" {
		t.Errorf("blank text mutated partial: %q", snap.CurrentPartial)
	}
	if len(snap.Results) != 0 {
		t.Errorf("blank text appended results: %v", snap.Results)
	}
	if got := testutil.ToFloat64(m.TranscriptsDiscarded.WithLabelValues("final", "blank")); got != float64(len(blanks)) {
		t.Errorf("expected %d discarded finals, got %v", len(blanks), got)
	}
}

func TestAggregator_IDsStrictlyIncreasingAcrossClear(t *testing.T) {
	a, _ := newTestAggregator()

	var ids []uint64
	for _, text := range []string{"one", "two", "three"} {
		r, _ := a.Final(text, 0.9)
		ids = append(ids, r.ID)
	}
	a.Clear()
	r, _ := a.Final("four", 0.9)
	ids = append(ids, r.ID)

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}

	snap := a.Snapshot()
	if len(snap.Results) != 1 || snap.Results[0].Text != "four" {
		t.Errorf("expected only the post-clear result, got %v", snap.Results)
	}
}

func TestAggregator_PreservesOrderAndDuplicates(t *testing.T) {
	a, _ := newTestAggregator()

	texts := []string{"hello", "hello", "hello there", "bye"}
	for _, text := range texts {
		a.Final(text, 0.8)
	}

	snap := a.Snapshot()
	if len(snap.Results) != len(texts) {
		t.Fatalf("raw history must keep duplicates: got %d results", len(snap.Results))
	}
	for i, r := range snap.Results {
		if r.Text != texts[i] {
			t.Errorf("result %d: expected %q, got %q", i, texts[i], r.Text)
		}
	}
}

func TestAggregator_Clear(t *testing.T) {
	a, _ := newTestAggregator()
	a.Final("done", 0.9)
	a.Partial("in progress")

	a.Clear()

	snap := a.Snapshot()
	if snap.CurrentPartial != "" || len(snap.Results) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	a, _ := newTestAggregator()
	a.Final("first", 0.9)

	snap := a.Snapshot()
	snap.Results[0].Text = "mutated"

	if a.Snapshot().Results[0].Text != "first" {
		t.Error("snapshot shares storage with the aggregator")
	}
}

func TestAggregator_ConfidenceClamped(t *testing.T) {
	a, _ := newTestAggregator()
	hi, _ := a.Final("a", 1.5)
	lo, _ := a.Final("b", -0.2)
	if hi.Confidence != 1 || lo.Confidence != 0 {
		t.Errorf("expected clamped confidences, got %v and %v", hi.Confidence, lo.Confidence)
	}
}

func TestAggregator_ConcurrentAccess(t *testing.T) {
	a, _ := newTestAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.Partial("p")
				a.Final("f", 0.5)
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()

	results := a.Snapshot().Results
	if len(results) != 400 {
		t.Fatalf("expected 400 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].ID <= results[i-1].ID {
			t.Fatalf("ids out of order at %d", i)
		}
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	partials []models.TranscriptPartial
	finals   []models.TranscriptFinal
	keys     []string
}

func (p *recordingPublisher) PublishPartial(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.partials = append(p.partials, event.(models.TranscriptPartial))
	return nil
}

func (p *recordingPublisher) PublishFinal(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.finals = append(p.finals, event.(models.TranscriptFinal))
	return nil
}

func TestHandoff_PublishesValidEvents(t *testing.T) {
	pub := &recordingPublisher{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := NewHandoff(pub, schema.MustNew(), zerolog.Nop(), m)

	now := time.Now()
	h.Partial(context.Background(), "sess-1", "en", "hello wor", now)
	h.Final(context.Background(), "sess-1", "en", models.TranscriptResult{
		ID: 3, Text: "hello world", Confidence: 0.92, Status: models.StatusFinal, Timestamp: now,
	})

	if len(pub.partials) != 1 || len(pub.finals) != 1 {
		t.Fatalf("expected one partial and one final, got %d/%d", len(pub.partials), len(pub.finals))
	}
	if pub.finals[0].ResultID != 3 || pub.finals[0].EventType != models.EventTypeFinal {
		t.Errorf("unexpected final event %+v", pub.finals[0])
	}
	for _, k := range pub.keys {
		if k != "sess-1" {
			t.Errorf("events must be keyed by session id, got %q", k)
		}
	}
}

func TestHandoff_DropsInvalidEvents(t *testing.T) {
	pub := &recordingPublisher{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := NewHandoff(pub, schema.MustNew(), zerolog.Nop(), m)

	// No session id: the schema rejects it.
	h.Final(context.Background(), "", "en", models.TranscriptResult{Text: "x", Confidence: 0.5, Timestamp: time.Now()})

	if len(pub.finals) != 0 {
		t.Errorf("invalid event was published: %+v", pub.finals)
	}
	if got := testutil.ToFloat64(m.TranscriptsDiscarded.WithLabelValues("final", "schema")); got != 1 {
		t.Errorf("expected 1 schema discard, got %v", got)
	}
}
