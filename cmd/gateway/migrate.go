package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/config"
	"github.com/carebridge/gateway/internal/store/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run postgres schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(postgres.Up)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(postgres.Down)
		},
	})

	return cmd
}

func runMigrate(dir postgres.Direction) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	log := newLogger(cfg, os.Stdout)

	changed, err := postgres.Migrate(cfg.DatabaseURL, dir)
	if err != nil {
		log.Error().Err(err).Str("direction", string(dir)).Msg("migration failed")
		return err
	}
	if !changed {
		log.Info().Str("direction", string(dir)).Msg("schema already up to date")
		return nil
	}
	log.Info().Str("direction", string(dir)).Msg("migrations applied")
	return nil
}
