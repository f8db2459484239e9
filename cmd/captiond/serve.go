package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"live-transcription-client/internal/app"
	apihttp "live-transcription-client/internal/http"
	"live-transcription-client/internal/observability"
	"live-transcription-client/internal/observability/logging"
	"live-transcription-client/internal/service/capture/microphone"
	"live-transcription-client/internal/service/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture from the microphone and serve the control API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("autostart", false, "Start a session with the configured language on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, microphone.New(logging.WithComponent("microphone")))
	if err != nil {
		return err
	}
	if err := application.Start(); err != nil {
		return err
	}

	ready := func() bool {
		select {
		case <-application.Controller.Done():
			return false
		default:
			return application.Controller.Snapshot().ConnectionState != session.StateFailed
		}
	}
	obs := observability.NewServer(cfg.Observability.MetricsAddr, ready)
	obs.Start()

	srv := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           apihttp.NewRouter(application),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Control API failed")
			stop()
		}
	}()

	if auto, _ := cmd.Flags().GetBool("autostart"); auto {
		_ = application.Controller.StartSession(cfg.Recognizer.LanguageCode)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Control API did not shut down cleanly")
	}
	application.Shutdown(shutdownCtx)
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Observability server did not shut down cleanly")
	}
	return nil
}
