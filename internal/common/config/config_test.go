package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/unipay")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "5", cfg.Checkout.EnrollmentFee.String())
	assert.Equal(t, "PEN", cfg.Checkout.Currency)
	assert.Equal(t, "http://localhost:5173", cfg.Checkout.FrontendURL)
	assert.Equal(t, "Matrícula Académica", cfg.Receipt.Concept)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileAfter)
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.Metrics.PushURL)
	assert.Equal(t, 10*time.Second, cfg.Metrics.PushInterval)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "unset-below")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))
	_, err := Load()
	assert.Error(t, err)
}

func TestRequireServe(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/unipay")
	t.Setenv("ENROLLMENT_FEE", "7.50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7.5", cfg.Checkout.EnrollmentFee.String())

	err = cfg.RequireServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")

	cfg.Stripe.WebhookSecret = "whsec_test"
	cfg.Stripe.SecretKey = "sk_test"
	cfg.Auth.Secret = "jwt"
	assert.NoError(t, cfg.RequireServe())
}
