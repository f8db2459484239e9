package transcript

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-client/internal/models"
	"live-transcription-client/internal/observability/metrics"
)

// Publisher delivers transcript events to the external store.
type Publisher interface {
	PublishPartial(ctx context.Context, key string, event any) error
	PublishFinal(ctx context.Context, key string, event any) error
}

// Validator checks an event before it leaves the process.
type Validator interface {
	Validate(event any) error
}

// Handoff validates accepted results and publishes them keyed by session id.
// Failures are logged and counted, never returned: the caption feed must not
// depend on the store being reachable.
type Handoff struct {
	publisher Publisher
	validator Validator
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewHandoff creates a hand-off. A nil validator skips validation.
func NewHandoff(p Publisher, v Validator, logger zerolog.Logger, m *metrics.Metrics) *Handoff {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handoff{publisher: p, validator: v, logger: logger, metrics: m}
}

// Partial publishes an interim transcript.
func (h *Handoff) Partial(ctx context.Context, sessionID, languageCode, text string, at time.Time) {
	ev := models.TranscriptPartial{
		EventType:    models.EventTypePartial,
		SessionID:    sessionID,
		LanguageCode: languageCode,
		Timestamp:    at.UnixMilli(),
		Text:         text,
	}
	if !h.valid(ev, models.StatusPartial) {
		return
	}
	if err := h.publisher.PublishPartial(ctx, sessionID, ev); err != nil {
		h.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to publish partial")
	}
}

// Final publishes an accepted final result.
func (h *Handoff) Final(ctx context.Context, sessionID, languageCode string, r models.TranscriptResult) {
	ev := models.TranscriptFinal{
		EventType:    models.EventTypeFinal,
		SessionID:    sessionID,
		LanguageCode: languageCode,
		Timestamp:    r.Timestamp.UnixMilli(),
		ResultID:     r.ID,
		Text:         r.Text,
		Confidence:   r.Confidence,
	}
	if !h.valid(ev, models.StatusFinal) {
		return
	}
	if err := h.publisher.PublishFinal(ctx, sessionID, ev); err != nil {
		h.logger.Warn().Err(err).Str("sessionId", sessionID).Uint64("resultId", r.ID).Msg("Failed to publish final")
	}
}

func (h *Handoff) valid(ev any, status models.ResultStatus) bool {
	if h.validator == nil {
		return true
	}
	if err := h.validator.Validate(ev); err != nil {
		h.metrics.RecordTranscriptDiscarded(string(status), "schema")
		h.logger.Warn().Err(err).Msg("Transcript event failed validation, not published")
		return false
	}
	return true
}
