// Package events hands accepted transcripts to the external transcript store
// over Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"live-transcription-client/internal/observability/metrics"
)

// Values of the eventType header.
const (
	eventPartial = "partial"
	eventFinal   = "final"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// Publisher publishes transcript events, partials and finals on separate
// topics. Writes are asynchronous so a slow broker never stalls the session
// controller; delivery failures surface through logs and metrics. A disabled
// publisher only logs.
type Publisher struct {
	partial   *topicWriter
	final     *topicWriter
	principal string
	enabled   bool
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// topicWriter binds a topic to its event type and, when enabled, its writer.
type topicWriter struct {
	topic     string
	eventType string
	w         *kafka.Writer
}

// New creates a publisher. A nil config, a disabled config or an empty broker
// list yields log-only mode.
func New(cfg *Config, logger zerolog.Logger) *Publisher {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Publisher{
		partial:   &topicWriter{topic: cfg.TopicPartial, eventType: eventPartial},
		final:     &topicWriter{topic: cfg.TopicFinal, eventType: eventFinal},
		principal: cfg.Principal,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
	if p.metrics == nil {
		p.metrics = metrics.DefaultMetrics
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	for _, tw := range []*topicWriter{p.partial, p.final} {
		tw.w = p.newWriter(cfg.Brokers, tw, transport)
	}
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// newWriter builds an async writer. Messages are keyed by session id and the
// hash balancer keeps one session's events on one partition, in order.
func (p *Publisher) newWriter(brokers []string, tw *topicWriter, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        tw.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			p.completed(tw, messages, err)
		},
	}
}

func (p *Publisher) completed(tw *topicWriter, messages []kafka.Message, err error) {
	for _, msg := range messages {
		var latency float64
		if !msg.Time.IsZero() {
			latency = time.Since(msg.Time).Seconds()
		}
		p.metrics.RecordKafkaPublish(tw.topic, tw.eventType, err, latency)
	}
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", tw.topic).
			Int("messages", len(messages)).
			Msg("Kafka delivery failed")
	}
}

// PublishPartial publishes an interim transcript keyed by key.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.partial, key, event)
}

// PublishFinal publishes an accepted final transcript keyed by key.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.final, key, event)
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

func (p *Publisher) publish(ctx context.Context, tw *topicWriter, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", tw.topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("topic", tw.topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing transcript event")

	if !p.enabled || tw.w == nil {
		p.metrics.RecordKafkaPublish(tw.topic, tw.eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(tw.eventType)},
			{Key: "principal", Value: []byte(p.principal)},
			{Key: "contentType", Value: []byte("application/json")},
		},
	}

	// An async writer only fails here once it is closed.
	if err := tw.w.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("topic", tw.topic).Str("key", key).Msg("Failed to enqueue Kafka message")
		p.metrics.RecordKafkaPublish(tw.topic, tw.eventType, err, time.Since(start).Seconds())
		return err
	}
	return nil
}

// Close flushes pending messages and closes both writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, tw := range []*topicWriter{p.partial, p.final} {
		if tw == nil || tw.w == nil {
			continue
		}
		if err := tw.w.Close(); err != nil {
			p.logger.Error().Err(err).Str("topic", tw.topic).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
