package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/parsedispatch/internal/config"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "parsedispatch",
		Short: "Dispatch document parse tasks to the parsing engine",
		Long: `parsedispatch accepts document parse tasks over HTTP, admits them under
per-owner and global concurrency ceilings, submits them to the parsing
engine and tracks them to completion.

Configuration is read from --config (or ./config.yaml) and from
PARSEDISPATCH_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCommand(opts),
		newDispatchCommand(opts),
		newMigrateCommand(opts),
		newPurgeCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// load reads configuration and sets up the process logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Debug("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"engine_mode", cfg.Engine.Mode)
	return cfg, log, nil
}
