package main

import (
	"github.com/spf13/cobra"

	"unipay/internal/common/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, stop, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()
			return database.Migrate(cfg.Database.URL, logger)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, stop, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()
			return database.Rollback(cfg.Database.URL, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	cmd.AddCommand(down)

	return cmd
}
