// Package main provides the piqimap command line tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/navapbc/go-piqi/internal/config"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/observability/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "piqimap",
		Short:        "Map FHIR bundles to PIQI messages",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", ".env", "configuration file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return nil, nil, err
		}
		logger, err := logging.New(cfg.LogLevel, "console")
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	cmd.AddCommand(mapCmd(load))
	cmd.AddCommand(publishCmd(load))
	cmd.AddCommand(failuresCmd(load))
	cmd.AddCommand(topicsCmd(load))
	cmd.AddCommand(migrateCmd(load))
	cmd.AddCommand(versionCmd())
	return cmd
}

type loader func() (*config.Config, *zap.Logger, error)

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job event, outbox and inbox tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "piqimap %s\n", version)
		},
	}
}
