package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ggoodman/quizrace/config"
	"github.com/ggoodman/quizrace/records/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres records schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRecords(cmd.Context(), func(cfg *config.Config, st *postgres.Store) error {
					return postgres.MigrateUp(st.DB(), cfg.NewLogger(os.Stderr))
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRecords(cmd.Context(), func(_ *config.Config, st *postgres.Store) error {
					return postgres.MigrateDown(st.DB())
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRecords(cmd.Context(), func(_ *config.Config, st *postgres.Store) error {
					v, dirty, err := postgres.MigrationVersion(st.DB())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withRecords(ctx context.Context, fn func(*config.Config, *postgres.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	st, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := fn(cfg, st); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
