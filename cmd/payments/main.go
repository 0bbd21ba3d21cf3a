package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"unipay/internal/common/config"
	"unipay/internal/common/events"
	"unipay/internal/common/logging"
	"unipay/internal/common/money"
	"unipay/internal/common/nats"
	"unipay/internal/payments"
	"unipay/internal/providers/stripe"
	"unipay/internal/receipts"
)

const serviceName = "unipay-payments"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payments",
		Short:         "Student payment orchestration: checkout, webhooks and receipts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger. The returned stop
// function flushes the log sink.
func bootstrap() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logger, stop, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up logger: %w", err)
	}
	logger = logger.With("environment", cfg.Environment, "version", cfg.Version)
	return cfg, logger, stop, nil
}

// newPublisher connects to NATS when configured. Without NATS_URL events are
// dropped and the returned client is nil.
func newPublisher(ctx context.Context, cfg nats.Config, logger *slog.Logger) (events.Publisher, *nats.Client, error) {
	if cfg.URL == "" {
		logger.Info("NATS_URL not set, events will not be published")
		return events.Discard{}, nil, nil
	}

	client, err := nats.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := client.EnsureStream(ctx, cfg.Stream); err != nil {
		client.Close()
		return nil, nil, err
	}
	return nats.NewPublisher(client, logger), client, nil
}

// app holds the wired domain services.
type app struct {
	gateway  *stripe.Adapter
	payments *payments.Service
	receipts *receipts.Service
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, publisher events.Publisher, logger *slog.Logger) (*app, error) {
	currency, err := money.ParseCurrency(cfg.Checkout.Currency, money.PEN)
	if err != nil {
		return nil, err
	}
	fee, err := money.FromDecimal(cfg.Checkout.EnrollmentFee, currency)
	if err != nil {
		return nil, fmt.Errorf("ENROLLMENT_FEE: %w", err)
	}

	gateway := stripe.New(stripe.Config{SecretKey: cfg.Stripe.SecretKey}, logger)
	paymentStore := payments.NewPostgresStore(pool, logger)

	engine := payments.NewService(paymentStore, gateway, publisher, payments.Config{
		EnrollmentFee:     fee,
		Currency:          currency,
		SuccessURL:        cfg.Checkout.FrontendURL + cfg.Checkout.SuccessPath + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         cfg.Checkout.FrontendURL + cfg.Checkout.CancelPath,
		EnrollmentConcept: cfg.Receipt.Concept,
	}, logger)

	issuer := receipts.NewService(receipts.NewPostgresStore(pool), paymentStore, publisher, receipts.Config{
		InstitutionName: cfg.Receipt.InstitutionName,
		UnitName:        cfg.Receipt.UnitName,
		Concept:         cfg.Receipt.Concept,
		Currency:        currency,
	}, logger)

	return &app{gateway: gateway, payments: engine, receipts: issuer}, nil
}
