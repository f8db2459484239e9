package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"live-transcription-client/internal/observability/logging"
	"live-transcription-client/internal/viewer"
)

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Tail the transcript topics and push events to websocket clients",
	RunE:  runViewer,
}

func init() {
	viewerCmd.Flags().String("brokers", "", "Comma-separated Kafka brokers (defaults to KAFKA_BROKERS)")
	viewerCmd.Flags().String("topics", "", "Comma-separated topics (defaults to the partial and final topics)")
	viewerCmd.Flags().String("addr", ":8090", "Listen address for the websocket endpoint")
	viewerCmd.Flags().Duration("since", 0, "Replay events newer than this before tailing")
}

func runViewer(cmd *cobra.Command, _ []string) error {
	logger := logging.WithComponent("viewer")

	brokersFlag, _ := cmd.Flags().GetString("brokers")
	topicsFlag, _ := cmd.Flags().GetString("topics")
	addr, _ := cmd.Flags().GetString("addr")
	since, _ := cmd.Flags().GetDuration("since")

	brokers := cfg.Kafka.Brokers
	if brokersFlag != "" {
		brokers = splitList(brokersFlag)
	}
	topics := []string{cfg.Kafka.TopicPartial, cfg.Kafka.TopicFinal}
	if topicsFlag != "" {
		topics = splitList(topicsFlag)
	}
	if len(topics) == 0 {
		return viewer.ErrNoTopics
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := viewer.NewHub(logger)
	go hub.Run(ctx)

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			r := viewer.NewReader(ctx, brokers, topic, since)
			l := logger.With().Str("topic", topic).Logger()
			l.Info().Strs("brokers", brokers).Msg("Consuming transcript topic")
			if err := viewer.Consume(ctx, r, hub.Publish, l); err != nil {
				l.Error().Err(err).Msg("Consumer stopped")
			}
		}(topic)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/ws", hub)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("Viewer listening on /ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Viewer server failed")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
