package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"resonance/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		// Opening a store applies pending migrations
		store, err := repository.Open(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		logger.Info("Migrations applied", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}
