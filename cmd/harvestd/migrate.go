package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/harvest-orchestrator/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := migrationDSN(cmd)
			if err != nil {
				return err
			}
			status, err := pgstore.MigrateUp(dsn)
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return errors.New("--steps must be > 0")
			}
			dsn, err := migrationDSN(cmd)
			if err != nil {
				return err
			}
			status, err := pgstore.MigrateDown(dsn, steps)
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func migrationDSN(cmd *cobra.Command) (string, error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return "", err
	}
	if cfg.DB.DSN == "" {
		return "", errors.New("db.dsn is required for migrations")
	}
	return cfg.DB.DSN, nil
}

func printStatus(cmd *cobra.Command, s pgstore.MigrationStatus) {
	fmt.Fprintf(cmd.OutOrStdout(), "schema version=%d dirty=%t\n", s.Version, s.Dirty)
}
