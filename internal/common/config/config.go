package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"unipay/internal/common/database"
	"unipay/internal/common/logging"
	"unipay/internal/common/nats"
)

// Config is the process configuration shared by every subcommand
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	Version     string `envconfig:"SERVICE_VERSION" default:"1.0.0"`

	Log      logging.Config
	Database database.Config
	NATS     nats.Config
	Auth     Auth
	Stripe   Stripe
	Checkout Checkout
	Receipt  Receipt
	Metrics  Metrics

	VerifyRateLimit int           `envconfig:"VERIFY_RATE_LIMIT" default:"60"`
	ReconcileAfter  time.Duration `envconfig:"RECONCILE_OLDER_THAN" default:"30m"`
	ReconcileBatch  int           `envconfig:"RECONCILE_BATCH" default:"100"`
}

type Auth struct {
	Secret   string `envconfig:"JWT_SECRET"`
	Issuer   string `envconfig:"JWT_ISSUER"`
	Audience string `envconfig:"JWT_AUDIENCE"`
}

type Stripe struct {
	SecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

type Checkout struct {
	FrontendURL   string          `envconfig:"FRONTEND_URL" default:"http://localhost:5173"`
	SuccessPath   string          `envconfig:"CHECKOUT_SUCCESS_PATH" default:"/estudiante/pago-exitoso"`
	CancelPath    string          `envconfig:"CHECKOUT_CANCEL_PATH" default:"/pago-cancelado"`
	EnrollmentFee decimal.Decimal `envconfig:"ENROLLMENT_FEE" default:"5.00"`
	Currency      string          `envconfig:"PAYMENT_CURRENCY" default:"PEN"`
}

type Receipt struct {
	InstitutionName string `envconfig:"RECEIPT_INSTITUTION_NAME" default:"Universidad Nacional de San Agustín"`
	UnitName        string `envconfig:"RECEIPT_UNIT_NAME" default:"Facultad de Ingeniería de Producción y Servicios"`
	Concept         string `envconfig:"RECEIPT_CONCEPT" default:"Matrícula Académica"`
}

// Metrics configures optional push delivery to a VictoriaMetrics-compatible
// endpoint. /metrics is always served regardless.
type Metrics struct {
	PushURL      string        `envconfig:"METRICS_PUSH_URL"`
	PushInterval time.Duration `envconfig:"METRICS_PUSH_INTERVAL" default:"10s"`
}

// Load reads a .env file when one exists and then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	return &cfg, nil
}

// RequireServe checks the settings the HTTP server cannot start without.
// A missing webhook secret is fatal: notifications must never be accepted unverified.
func (c *Config) RequireServe() error {
	var errs []error
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if !c.Checkout.EnrollmentFee.IsPositive() {
		errs = append(errs, errors.New("ENROLLMENT_FEE must be positive"))
	}
	return errors.Join(errs...)
}

// RequireGateway checks the settings needed to talk to the checkout gateway
func (c *Config) RequireGateway() error {
	if c.Stripe.SecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required")
	}
	return nil
}
