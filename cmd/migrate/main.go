package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"GratisLedger/internal/config"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/persistence"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn, dir string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the GratisLedger Postgres schema",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("dsn") {
				dsn = cfg.Postgres.DSN
			}
			if !cmd.Flags().Changed("dir") {
				dir = cfg.Migrations.Dir
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres connection string (default: postgres.dsn from config)")
	root.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (default: migrations.dir from config)")

	withMigrator := func(fn func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			logger := observability.NewLogger("migrate")
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("ping db: %w", err)
			}
			return fn(ctx, persistence.NewMigrator(db, dir, logger), logger)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, _ zerolog.Logger) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				return printStatus(os.Stdout, statuses)
			}),
		},
	)
	return root
}

func printStatus(out *os.File, statuses []persistence.MigrationStatus) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED AT")
	for _, s := range statuses {
		applied := "pending"
		if s.Applied && s.AppliedAt != nil {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		} else if s.Applied {
			applied = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, applied)
	}
	return w.Flush()
}
