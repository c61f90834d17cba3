package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-federation/pkg/config"
	"github.com/polisai/polis-federation/pkg/logging"
)

// loadFromFlags loads the configuration named by --config and builds the
// logger. --log-level and --pretty override the file.
func loadFromFlags(cmd *cobra.Command) (*config.Config, string, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return cfg, configPath, logger, nil
}
