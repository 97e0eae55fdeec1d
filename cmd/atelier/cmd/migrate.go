package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level)
	defer logger.Sync()

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
