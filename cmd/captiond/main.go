// Command captiond streams microphone audio to a speech recognizer and serves
// live captions.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"live-transcription-client/internal/config"
	"live-transcription-client/internal/observability/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "captiond",
	Short: "Live lecture captioning client",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return err
		}

		cfg = config.Load()
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Observability.LogLevel = lvl
		}
		logging.Init(logging.Config{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
		})
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(viewerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("captiond failed")
		os.Exit(1)
	}
}
