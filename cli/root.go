// Package cli implements the avrharness command line.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/config"
	"github.com/mbocsi/avrharness/logging"
)

// rootOptions are shared by every subcommand. cfg and logger are filled in
// before a subcommand runs.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func (o *rootOptions) retryPolicy() client.RetryPolicy {
	return client.RetryPolicy{MaxRetries: o.cfg.ConnectRetries, RetryInterval: o.cfg.RetryInterval}
}

// NewRootCommand builds the avrharness command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "avrharness",
		Short: "Drive virtualavr simulators from Go and Gherkin",
		Long: `avrharness connects to a virtualavr simulator over WebSocket, records
every message it publishes and drives its pins.

Settings come from an optional YAML file, an optional .env file and the
environment (SKETCH_FILE, DOCKER_IMAGE_TAG, ...), later sources winning.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") || cfg.LogFormat == "" {
				cfg.LogFormat = opts.logFormat
			}

			opts.cfg = cfg
			opts.logger = logging.Setup(logging.Config{
				Level:  logging.ParseLevel(cfg.LogLevel),
				Format: logging.ParseFormat(cfg.LogFormat),
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file, ignored when missing")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	cmd.AddCommand(
		newListenCommand(opts),
		newRunCommand(opts),
		newStubCommand(opts),
		newMCPCommand(opts),
	)
	return cmd
}

// Execute runs the command line until it finishes or the process is interrupted.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
