// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcription"

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	StateTransitions *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	ConnectLatency   prometheus.Histogram

	// Audio metrics
	FramesCaptured prometheus.Counter
	ChunksSent     prometheus.Counter
	AudioBytesSent prometheus.Counter
	ChunksDropped  *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial   prometheus.Counter
	TranscriptsFinal     prometheus.Counter
	TranscriptsDiscarded *prometheus.CounterVec

	// Recognizer metrics
	TokenRequests    *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	RecognizerStream *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance registered on the default registry.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all Prometheus metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of transcription sessions started",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions",
		}, []string{"from", "to"}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnects scheduled",
		}, []string{"reason"}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time from connect request to session opened",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_captured_total",
			Help:      "Audio frames delivered by the capture engine",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Audio chunks sent to the recognizer",
		}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM bytes sent to the recognizer",
		}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Audio chunks dropped before reaching the recognizer",
		}, []string{"reason"}),

		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Partial transcripts accepted",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Final transcripts accepted",
		}),
		TranscriptsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_discarded_total",
			Help:      "Transcripts discarded before aggregation",
		}, []string{"status", "reason"}),

		TokenRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Credential requests to the token issuer",
		}, []string{"result"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Recognizer transport errors by classification",
		}, []string{"kind"}),
		RecognizerStream: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_grpc_streams_total",
			Help:      "gRPC recognizer streams opened",
		}, []string{"method", "code"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new transcription session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
}

// RecordTransition records a connection state change.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect(reason string) {
	m.ReconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordConnectLatency records the time until the recognizer opened the session.
func (m *Metrics) RecordConnectLatency(seconds float64) {
	m.ConnectLatency.Observe(seconds)
}

// RecordFrame records a captured frame.
func (m *Metrics) RecordFrame() {
	m.FramesCaptured.Inc()
}

// RecordChunkSent records a chunk handed to the recognizer.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordChunkDropped records a chunk that never reached the recognizer.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordPartialTranscript records an accepted partial transcript.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records an accepted final transcript.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordTranscriptDiscarded records a transcript rejected by the aggregator.
func (m *Metrics) RecordTranscriptDiscarded(status, reason string) {
	m.TranscriptsDiscarded.WithLabelValues(status, reason).Inc()
}

// RecordTokenRequest records a credential request outcome.
func (m *Metrics) RecordTokenRequest(err error) {
	if err != nil {
		m.TokenRequests.WithLabelValues("error").Inc()
		return
	}
	m.TokenRequests.WithLabelValues("ok").Inc()
}

// RecordTransportError records a classified transport error.
func (m *Metrics) RecordTransportError(kind string) {
	m.TransportErrors.WithLabelValues(kind).Inc()
}

// RecordRecognizerStream records a gRPC recognizer stream opening.
func (m *Metrics) RecordRecognizerStream(method, code string) {
	m.RecognizerStream.WithLabelValues(method, code).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
