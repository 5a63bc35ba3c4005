package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/eventlanes/internal/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the command tree. Each call returns fresh commands
// so tests can execute them in isolation.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "eventlanes",
		Short: "eventlanes - ordered event log distribution across parallel lanes",
		Long: `eventlanes reads a durable, ordered event log and applies its entries
across a fixed number of parallel lanes.

It provides:
- Round-robin distribution of log entries to lanes
- Barrier entries that wait until every earlier entry is applied
- A persisted effective cursor for safe resume after restart
- Periodic health statistics in the log, Prometheus and the history table
- Retention jobs for the history table and the event log`,
		SilenceUsage: true,
		// Run the engine by default if no subcommand is specified
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts, runOptions{})
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (optional, uses env vars by default)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newMigrateCommand(opts))
	root.AddCommand(newPublishCommand(opts))
	root.AddCommand(newCursorCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the optional file, then the environment, then applies the
// logging flags.
func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	return cfg, nil
}
