package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"unipay/internal/common/api"
	"unipay/internal/common/config"
	"unipay/internal/common/database"
	"unipay/internal/common/middleware"
	paymentsapi "unipay/internal/payments/api"
	receiptsapi "unipay/internal/receipts/api"
	"unipay/internal/webhooks"
)

func serveCmd() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gateway webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(migrateFirst bool) error {
	cfg, logger, stop, err := bootstrap()
	if err != nil {
		return err
	}
	defer stop()

	if err := cfg.RequireServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if migrateFirst {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			return err
		}
	}

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

	ready := func(ctx context.Context) error {
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
		if natsClient != nil {
			return natsClient.HealthCheck()
		}
		return nil
	}

	if cfg.Metrics.PushURL != "" {
		labels := fmt.Sprintf(`service=%q,environment=%q`, serviceName, cfg.Environment)
		if err := metrics.InitPush(cfg.Metrics.PushURL, cfg.Metrics.PushInterval, labels, true); err != nil {
			return fmt.Errorf("starting metrics push: %w", err)
		}
	}

	a, err := newApp(cfg, db.Pool(), publisher, logger)
	if err != nil {
		return err
	}

	dispatcher, err := webhooks.NewDispatcher(cfg.Stripe.WebhookSecret, a.gateway, a.gateway, a.payments, a.receipts, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, a, dispatcher, ready, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payments service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, a *app, dispatcher *webhooks.Dispatcher, ready func(context.Context) error, logger *slog.Logger) http.Handler {
	auth := middleware.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	verifyLimit := middleware.RateLimit(
		middleware.NewFixedWindowLimiter(cfg.VerifyRateLimit, time.Minute),
		middleware.ClientIP,
	)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Checkout.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"service":   serviceName,
			"version":   cfg.Version,
		})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			logger.Warn("readiness check failed", "error", err)
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "service unavailable")
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/payments", paymentsapi.NewHandler(a.payments, logger).Routes(auth.Authenticate, verifyLimit))

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)
			r.Mount("/receipts", receiptsapi.NewHandler(a.receipts, logger).Routes())
		})

		r.Method(http.MethodPost, "/webhooks/stripe", webhooks.NewHandler(dispatcher, logger))
	})

	return r
}
