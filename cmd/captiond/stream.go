package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"live-transcription-client/internal/app"
	"live-transcription-client/internal/observability/logging"
	"live-transcription-client/internal/service/capture"
	"live-transcription-client/internal/service/session"
	"live-transcription-client/internal/service/transcript"
)

var errSessionFailed = errors.New("session failed")

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a WAV file through a session and print the transcript",
	RunE:  runStream,
}

func init() {
	streamCmd.Flags().StringP("file", "f", "", "16-bit mono WAV file to stream (required)")
	streamCmd.Flags().StringP("language", "l", "", "Language code (defaults to STT_LANGUAGE_CODE)")
	streamCmd.Flags().Bool("realtime", true, "Pace audio at its natural rate")
	streamCmd.Flags().Duration("drain", 3*time.Second, "Time to wait for trailing results after the file ends")
	streamCmd.Flags().Bool("raw", false, "Print every final result instead of the visible history")
	_ = streamCmd.MarkFlagRequired("file")
}

func runStream(cmd *cobra.Command, _ []string) error {
	logger := logging.WithComponent("stream")

	path, _ := cmd.Flags().GetString("file")
	lang, _ := cmd.Flags().GetString("language")
	realtime, _ := cmd.Flags().GetBool("realtime")
	drain, _ := cmd.Flags().GetDuration("drain")
	raw, _ := cmd.Flags().GetBool("raw")
	if lang == "" {
		lang = cfg.Recognizer.LanguageCode
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ended := make(chan struct{})
	var once sync.Once
	source := &capture.WAVSource{
		Path:     path,
		Realtime: realtime,
		OnEnd:    func() { once.Do(func() { close(ended) }) },
	}

	application, err := app.New(ctx, cfg, source)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		application.Shutdown(shutdownCtx)
	}()
	if err := application.Start(); err != nil {
		return err
	}

	ctrl := application.Controller
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	if err := ctrl.StartSession(lang); err != nil {
		return err
	}
	if err := waitFor(ctx, updates, session.StateConnected); err != nil {
		return err
	}
	logger.Info().Str("file", path).Str("language", lang).Msg("Connected, streaming file")

	if err := ctrl.BeginRecording(); err != nil {
		return err
	}

	select {
	case <-ended:
		logger.Info().Dur("drain", drain).Msg("File finished, waiting for trailing results")
		select {
		case <-time.After(drain):
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	if err := ctrl.StopRecording(); err != nil && !errors.Is(err, session.ErrControllerClosed) {
		return err
	}

	printResults(ctrl.Snapshot(), raw)
	return nil
}

// waitFor blocks until the session reaches want. Failed states end the wait
// unless a reconnect is already scheduled.
func waitFor(ctx context.Context, updates <-chan session.Snapshot, want session.ConnectionState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return session.ErrControllerClosed
			}
			switch snap.ConnectionState {
			case want:
				return nil
			case session.StateFailed:
				if snap.LastError != nil {
					return fmt.Errorf("%w: %s", errSessionFailed, snap.LastError.Message)
				}
				return errSessionFailed
			}
		}
	}
}

func printResults(snap session.Snapshot, raw bool) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Time", "Confidence", "Text"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	row := func(id uint64, at time.Time, conf float64, text string) []string {
		return []string{
			strconv.FormatUint(id, 10),
			at.Format("15:04:05"),
			strconv.FormatFloat(conf, 'f', 2, 64),
			text,
		}
	}

	if raw {
		for _, r := range snap.Results {
			table.Append(row(r.ID, r.Timestamp, r.Confidence, r.Text))
		}
	} else {
		for _, r := range transcript.Visible(snap.Results) {
			text := r.Text
			if r.Continuation {
				text = "+ " + text
			}
			table.Append(row(r.ID, r.Timestamp, r.Confidence, text))
		}
	}
	table.Render()

	if snap.CurrentPartial != "" {
		fmt.Printf("\n(partial) %s\n", snap.CurrentPartial)
	}
}
