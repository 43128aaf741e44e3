// Package cli wires the subsweep command tree: batch subcommands over the
// execution engine, report rendering, and config management.
package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/subsweep/internal/config"
	"github.com/rshade/subsweep/internal/logging"
)

// UsageError marks operator mistakes (missing required inputs, malformed
// CSV headers) so main can exit with code 2 instead of 1.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

type configKey struct{}

// NewRootCmd creates the root Cobra command for the subsweep CLI. Logging
// and config loading happen in PersistentPreRunE so every subcommand sees
// a configured context.
func NewRootCmd(ver string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subsweep",
		Short:   "Bulk maintenance for Google Play subscription purchases",
		Long:    "subsweep applies validate, cancel, or revoke-with-refund operations\nto batches of Google Play subscription purchase tokens read from CSV,\nwith retries, rate limiting, resumable checkpoints, and a JSONL audit log.",
		Version: ver,
		Example: rootCmdExample,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "path to config file (default ~/.subsweep/config.yaml)")

	cmd.AddCommand(
		NewValidateCmd(), NewCancelCmd(), NewRevokeCmd(),
		NewReportCmd(), newConfigCmd(),
	)
	return cmd
}

// skipConfigLoadAnnotation marks commands that manage the config file
// itself, so a missing --config path is not an error for them.
const skipConfigLoadAnnotation = "skip-config-load"

// setup loads the config file and initializes logging, attaching both to
// the command context.
func setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if cmd.Annotations[skipConfigLoadAnnotation] == "" {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.LoadOrDefault(path)
		if err != nil {
			return &UsageError{Err: err}
		}
		cfg = loaded
	}

	logCfg := logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	logger = logging.ComponentLogger(logging.New(logCfg), "cli")

	ctx := logging.WithContext(cmd.Context(), logger)
	ctx = context.WithValue(ctx, configKey{}, cfg)
	cmd.SetContext(ctx)
	return nil
}

// configFrom returns the config loaded during setup. Subcommands run after
// PersistentPreRunE, so the value is always present.
func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// newConfigCmd creates the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(NewConfigInitCmd())
	return cmd
}

const rootCmdExample = `  # Check the current state of every token and partition by revoke eligibility
  subsweep validate --input tokens.csv --service-account key.json --package-name com.example.app

  # Stop future renewals for every token
  subsweep cancel --input tokens.csv --service-account key.json --package-name com.example.app

  # Revoke with prorated refund, consuming a validate run's eligible output
  subsweep revoke --input outputs/01H.../eligible_for_revoke_01H....csv --service-account key.json

  # Rehearse without calling the remote API
  subsweep cancel --input tokens.csv --dry-run

  # Resume an interrupted run, skipping tokens that already succeeded
  subsweep cancel --input tokens.csv --service-account key.json \
    --checkpoint-success ok.txt --checkpoint-failed bad.txt

  # Summarize a finished run
  subsweep report logs/01H.../cancel_01H....jsonl

  # Initialize configuration
  subsweep config init`
