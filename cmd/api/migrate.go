package main

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lorrc/sync-engine/internal/adapters/secondary/postgres"
	"github.com/lorrc/sync-engine/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the Postgres event log schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := databaseURL()
		if err != nil {
			return err
		}

		version, err := postgres.MigrateUp(url)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 0 {
			return errors.New("--steps cannot be negative")
		}

		url, err := databaseURL()
		if err != nil {
			return err
		}

		version, err := postgres.MigrateDown(url, steps)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

// databaseURL reads only what migrations need, so the command runs without
// the server's JWT or bridge settings.
func databaseURL() (string, error) {
	_ = godotenv.Load()

	// Unrelated malformed settings must not block a migration
	cfg, _ := config.FromEnv()
	if cfg.Database.URL == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	return cfg.Database.URL, nil
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to roll back (0 rolls back everything)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}
