package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/JonMunkholm/serialcheck/internal/config"
	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/logging"
	"github.com/JonMunkholm/serialcheck/internal/notify"
	"github.com/JonMunkholm/serialcheck/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// commandContext carries state shared by all subcommands.
type commandContext struct {
	envFile string
	cfg     *config.Config
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "serialcheck",
		Short:         "Serial range validation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx.cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", ".env", "Environment file loaded over the process environment (empty to skip)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))

	return rootCmd
}

// loadConfig applies the env file, loads configuration and sets up logging.
func (c *commandContext) loadConfig() error {
	if c.envFile != "" {
		// Overload: values in the file win over the process environment.
		if err := godotenv.Overload(c.envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", c.envFile, err)
			}
			slog.Debug("no env file found, using environment variables", "path", c.envFile)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	c.cfg = cfg

	slog.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// openService opens the store, migrates it when configured, and builds the
// service. The returned close function releases the store.
func openService(ctx context.Context, cfg *config.Config) (*core.Service, func(), error) {
	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeStore := func() {
		if err := s.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}

	if cfg.Database.MigrateOnStart {
		if err := store.Migrate(ctx, s); err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	slog.Info("store ready", "driver", cfg.Database.Driver)

	service := core.NewService(s, notify.New(cfg.SMS), core.Options{
		FixedSize:         cfg.Validation.FixedSize,
		MaxRowErrors:      cfg.Import.MaxRowErrors,
		ImportWaitTime:    cfg.Import.MaxWaitTime,
		ImportTimeout:     cfg.Import.Timeout,
		ValidationTimeout: cfg.Validation.Timeout,
		AuditTimeout:      cfg.Validation.AuditTimeout,
		DeliveryTimeout:   cfg.SMS.DeliveryTimeout,
	})
	return service, closeStore, nil
}
