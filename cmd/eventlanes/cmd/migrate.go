package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/eventlanes/internal/storage/postgres"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the eventlanes schema (event_log, properties, history, items).

Migrations are embedded in the binary; --path reads them from a directory instead.`,
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "migrations directory (default: embedded)")

	var skipRiver bool
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if skipRiver {
				if err := postgres.MigrateUp(cfg.Database.URL, path); err != nil {
					return err
				}
			} else {
				pool, err := postgres.Open(cmd.Context(), cfg.Database)
				if err != nil {
					return fmt.Errorf("database connection failed: %w", err)
				}
				defer pool.Close()
				if err := migrateAll(cmd.Context(), cfg.Database.URL, pool, path); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	up.Flags().BoolVar(&skipRiver, "skip-river", false, "do not apply the River job queue schema")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := postgres.MigrateDown(cfg.Database.URL, path, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			v, dirty, err := postgres.MigrationVersion(cfg.Database.URL, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d\ndirty:   %t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// migrateAll applies the application schema and then River's.
func migrateAll(ctx context.Context, databaseURL string, pool *pgxpool.Pool, path string) error {
	if err := postgres.MigrateUp(databaseURL, path); err != nil {
		return err
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}
