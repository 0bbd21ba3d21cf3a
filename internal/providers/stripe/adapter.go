// Package stripe implements the checkout gateway over Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"unipay/internal/payments"
)

// maxCustomerSessions bounds how far back the customer fallback searches.
const maxCustomerSessions = 20

// Config holds Stripe adapter configuration.
type Config struct {
	SecretKey string
	// APIURL overrides the Stripe endpoint. Empty means api.stripe.com.
	APIURL     string
	HTTPClient *http.Client
}

// Adapter is a payments.Gateway backed by Stripe Checkout.
type Adapter struct {
	client *client.API
	logger *slog.Logger
}

var _ payments.Gateway = (*Adapter)(nil)

// New creates a Stripe adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     leveledLogger{logger: logger.With("component", "stripe")},
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &Adapter{client: sc, logger: logger}
}

// CreateSession opens a hosted checkout session. The metadata is attached to
// both the session and its payment intent so either can be traced back.
func (a *Adapter) CreateSession(ctx context.Context, req *payments.SessionRequest) (*payments.Session, error) {
	currency := strings.ToLower(string(req.Amount.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(strconv.FormatInt(req.SubjectID, 10)),
		CustomerCreation:   stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitPrice.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	s, err := a.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	a.logger.Debug("stripe checkout session created", "session_id", s.ID, "subject_id", req.SubjectID)
	return &payments.Session{ID: s.ID, URL: s.URL, CustomerID: customerID(s.Customer)}, nil
}

// GetSession fetches the current state of a checkout session.
func (a *Adapter) GetSession(ctx context.Context, sessionID string) (*payments.SessionSnapshot, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := a.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session %s: %w", sessionID, err)
	}
	return snapshot(s), nil
}

// FindSessionByPaymentIntent returns the session that produced intentID, or nil.
func (a *Adapter) FindSessionByPaymentIntent(ctx context.Context, intentID string) (*payments.SessionSnapshot, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := a.client.CheckoutSessions.List(params)
	if it.Next() {
		return snapshot(it.CheckoutSession()), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list sessions for intent %s: %w", intentID, err)
	}
	return nil, nil
}

// FindSessionByCustomer scans the customer's recent sessions. A session
// referencing intentID wins; otherwise the newest paid session with no payment
// intent attached is returned. Sessions tied to another intent never match.
func (a *Adapter) FindSessionByCustomer(ctx context.Context, customerID, intentID string) (*payments.SessionSnapshot, error) {
	if customerID == "" {
		return nil, nil
	}
	params := &stripe.CheckoutSessionListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var paid *stripe.CheckoutSession
	it := a.client.CheckoutSessions.List(params)
	for n := 0; n < maxCustomerSessions && it.Next(); n++ {
		s := it.CheckoutSession()
		if s.PaymentIntent != nil && s.PaymentIntent.ID == intentID {
			return snapshot(s), nil
		}
		if paid == nil && s.PaymentIntent == nil && s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			paid = s
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list sessions for customer %s: %w", customerID, err)
	}
	if paid == nil {
		return nil, nil
	}
	return snapshot(paid), nil
}

// VerifySignedEvent checks the Stripe-Signature header against secret and
// decodes the session or payment intent the event carries.
func (a *Adapter) VerifySignedEvent(payload []byte, signature, secret string) (*payments.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: verify event: %w", err)
	}

	out := &payments.Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return out, nil
	}
	switch {
	case strings.HasPrefix(out.Type, "checkout.session."):
		var s stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		out.Session = snapshot(&s)
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		out.Intent = &payments.IntentSnapshot{ID: pi.ID, CustomerID: customerID(pi.Customer)}
		if pi.LastPaymentError != nil {
			out.Intent.LastError = pi.LastPaymentError.Msg
		}
	}
	return out, nil
}

func snapshot(s *stripe.CheckoutSession) *payments.SessionSnapshot {
	out := &payments.SessionSnapshot{
		ID:               s.ID,
		Status:           string(s.Status),
		PaymentStatus:    string(s.PaymentStatus),
		AmountTotalMinor: s.AmountTotal,
		Currency:         strings.ToUpper(string(s.Currency)),
		Metadata:         s.Metadata,
		CustomerID:       customerID(s.Customer),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// leveledLogger routes stripe-go's client logs into slog.
type leveledLogger struct {
	logger *slog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
