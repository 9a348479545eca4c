package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "loopgen",
	Short: "Masked acoustic token generation over codec audio",
	Long: `loopgen - train, serve and play masked token models over codec audio.

The workflow:
  1. Index audio chunks into a SQLite database (see 'loopgen chunks').
  2. Train against an external model runtime ('loopgen train').
  3. Serve a checkpoint ('loopgen serve').
  4. Regenerate loops against the endpoint ('loopgen vamp').

All commands read a YAML config (default loopgen.yaml):

  codec:
    type: synth            # or onnx
  db:
    path: chunks.db
  trainer:
    runtime_url: ws://localhost:9090/step
  checkpoints:
    dir: ./checkpoints
  serve:
    addr: :8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loopgen.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// logger builds the process logger honoring --verbose.
func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
