package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"unipay/internal/common/database"
	"unipay/internal/webhooks"
)

func reconcileCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the gateway for pending payments and apply their outcome",
		Long: `Checks every pending payment older than --older-than against the
checkout gateway. Paid sessions are marked succeeded and get a receipt;
expired sessions are marked failed. Meant to run from a scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, stop, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()

			if err := cfg.RequireGateway(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.ReconcileAfter
			}
			if !cmd.Flags().Changed("limit") {
				limit = cfg.ReconcileBatch
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := database.New(ctx, cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer db.Close()

			publisher, natsClient, err := newPublisher(ctx, cfg.NATS, logger)
			if err != nil {
				return err
			}
			if natsClient != nil {
				defer natsClient.Close()
			}

			a, err := newApp(cfg, db.Pool(), publisher, logger)
			if err != nil {
				return err
			}

			res, err := webhooks.NewSweeper(a.gateway, a.payments, a.receipts, logger).Sweep(ctx, olderThan, limit)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d succeeded=%d failed=%d skipped=%d errors=%d\n",
				res.Checked, res.Succeeded, res.Failed, res.Skipped, res.Errors)
			if res.Errors > 0 {
				return fmt.Errorf("%d payments could not be reconciled", res.Errors)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "only check payments pending at least this long")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum payments to check in one run")
	return cmd
}
