package main

import (
	stderrors "errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"notification-monitor/internal/ledger"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the notification ledger schema",
	}

	withMigrator := func(fn func(cmd *cobra.Command, m *migrate.Migrate) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			pg, err := connectPostgres(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			m, err := ledger.NewMigrator(pg.DB)
			if err != nil {
				_ = pg.Close()
				return err
			}
			// Closing the migrator closes pg.DB as well.
			defer m.Close()
			return fn(cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migration failed: %w", err)
				}
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate) error {
				if err := m.Steps(-1); err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate) error {
				return printVersion(cmd, m)
			}),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version: %d, dirty: %v\n", version, dirty)
	return nil
}
