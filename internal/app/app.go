// Package app assembles the transcription client from its configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-client/internal/config"
	"live-transcription-client/internal/events"
	"live-transcription-client/internal/observability/logging"
	"live-transcription-client/internal/observability/metrics"
	"live-transcription-client/internal/schema"
	"live-transcription-client/internal/service/audio"
	"live-transcription-client/internal/service/capture"
	"live-transcription-client/internal/service/session"
	"live-transcription-client/internal/service/stt"
	"live-transcription-client/internal/service/stt/google"
	"live-transcription-client/internal/service/stt/mock"
	"live-transcription-client/internal/service/stt/websocket"
	"live-transcription-client/internal/service/token"
	"live-transcription-client/internal/service/transcript"
)

// Application holds process-wide state for the client.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics    *metrics.Metrics
	Publisher  *events.Publisher
	Results    *transcript.Aggregator
	Controller *session.Controller

	closers []io.Closer
}

// New wires the pipeline for cfg, reading audio from source.
func New(ctx context.Context, cfg *config.Config, source capture.Source) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		Metrics: metrics.DefaultMetrics,
	}

	transports, err := a.transportFactory(ctx)
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		Metrics:      a.Metrics,
	}, logging.WithComponent("kafka"))
	a.closers = append(a.closers, a.Publisher)

	validator, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("loading event schemas: %w", err)
	}

	a.Results = transcript.NewAggregator(a.Metrics)

	engine := capture.NewEngine(source, capture.Options{
		DeviceName:       cfg.Capture.DeviceName,
		EchoCancellation: cfg.Capture.EchoCancellation,
		NoiseSuppression: cfg.Capture.NoiseSuppression,
	}, cfg.Capture.FrameSamples, logging.WithComponent("capture"))

	a.Controller = session.New(session.Config{
		SessionID:       cfg.Service.SessionID,
		SampleRateHz:    cfg.Recognizer.SampleRateHz,
		KeyTerms:        cfg.Recognizer.KeyTerms,
		ReconnectDelay:  cfg.Reconnect.Delay,
		CapacityDelay:   cfg.Reconnect.CapacityDelay,
		ConnectTimeout:  cfg.Reconnect.ConnectTimeout,
		MaxAttempts:     cfg.Reconnect.MaxAttempts,
		MinChunkSamples: audio.MinSamplesFor(cfg.Chunker.MinDuration),
		ChunkQueue:      cfg.Chunker.QueueDepth(),
	}, session.Dependencies{
		Transports: transports,
		Tokens:     a.tokenIssuer(),
		Capture:    engine,
		Results:    a.Results,
		Sink:       transcript.NewHandoff(a.Publisher, validator, logging.WithComponent("handoff"), a.Metrics),
		Logger:     logging.WithComponent("session"),
		Metrics:    a.Metrics,
	})

	a.Logger.Info().
		Str("provider", cfg.Recognizer.Provider).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Live transcription client created")
	return a, nil
}

func (a *Application) transportFactory(ctx context.Context) (stt.Factory, error) {
	cfg := a.Cfg.Recognizer
	logger := logging.WithComponent("recognizer")

	switch cfg.Provider {
	case "mock":
		return mock.Factory, nil
	case "websocket":
		wc := websocket.DefaultConfig()
		if cfg.URL != "" {
			wc.URL = cfg.URL
		}
		wc.FormatTurns = cfg.FormatTurns
		return websocket.NewFactory(wc, logger, a.Metrics), nil
	case "google":
		rec, closer, err := google.NewRecognizer(ctx, a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("creating speech client: %w", err)
		}
		a.closers = append(a.closers, closer)
		gc := google.DefaultConfig()
		gc.SampleRateHz = cfg.SampleRateHz
		gc.AudioEncoding = cfg.AudioEncoding
		return google.NewFactory(gc, rec, logger, a.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown recognizer provider %q", cfg.Provider)
	}
}

// tokenIssuer prefers the issuing collaborator and falls back to a static key.
func (a *Application) tokenIssuer() token.Issuer {
	if a.Cfg.TokenIssuer.URL != "" {
		return token.NewHTTPIssuer(a.Cfg.TokenIssuer.URL, a.Cfg.TokenIssuer.Timeout, logging.WithComponent("token"))
	}
	if a.Cfg.Recognizer.APIKey != "" {
		return token.Static(a.Cfg.Recognizer.APIKey)
	}
	// Transports that authenticate out of band ignore the credential.
	return token.Static("unused")
}

// Start records the startup time.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Live transcription client starting")
	return nil
}

// Shutdown stops the session and releases every collaborator.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Msg("Live transcription client shutting down")

	if err := a.Controller.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Session did not close cleanly")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Close failed")
		}
	}
}
