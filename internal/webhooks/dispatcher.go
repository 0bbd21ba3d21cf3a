// Package webhooks authenticates gateway notifications and routes them to the
// payment lifecycle engine and the receipt issuer.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"unipay/internal/payments"
	"unipay/internal/receipts"
)

// ErrUnauthenticated means the notification signature did not verify.
var ErrUnauthenticated = errors.New("notification not authenticated")

// ReasonSessionExpired is stored on payments whose checkout session expired.
const ReasonSessionExpired = "session expired"

// Verifier authenticates a raw notification body against the shared secret.
type Verifier interface {
	VerifySignedEvent(payload []byte, signature, secret string) (*payments.Event, error)
}

// Engine is the part of the payment lifecycle the dispatcher drives.
type Engine interface {
	ReconcileSucceeded(ctx context.Context, sessionID string) (*payments.Payment, error)
	ReconcileFailed(ctx context.Context, sessionID, reason string) error
	ReportUnmatchedIntent(ctx context.Context, eventID string, intent *payments.IntentSnapshot)
	ListPending(ctx context.Context, age time.Duration, limit int) ([]*payments.Payment, error)
}

// Issuer creates receipts for paid sessions.
type Issuer interface {
	CreateFromNotification(ctx context.Context, session *payments.SessionSnapshot, eventID string) (*receipts.Receipt, error)
}

// reconciler applies outcomes the gateway already decided.
type reconciler struct {
	gateway payments.Gateway
	engine  Engine
	issuer  Issuer
	logger  *slog.Logger
}

// Dispatcher verifies and routes gateway notifications.
type Dispatcher struct {
	reconciler
	secret   string
	verifier Verifier
}

// NewDispatcher refuses to build a dispatcher without a signing secret.
func NewDispatcher(secret string, verifier Verifier, gateway payments.Gateway, engine Engine, issuer Issuer, logger *slog.Logger) (*Dispatcher, error) {
	if secret == "" {
		return nil, errors.New("webhook signing secret is not configured")
	}
	return &Dispatcher{
		reconciler: reconciler{gateway: gateway, engine: engine, issuer: issuer, logger: logger},
		secret:     secret,
		verifier:   verifier,
	}, nil
}

// Dispatch authenticates payload and applies it. Only authentication failures
// and store faults during reconciliation are returned; everything else is
// acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, signature string) error {
	evt, err := d.verifier.VerifySignedEvent(payload, signature, d.secret)
	if err != nil {
		countNotification("unknown", "rejected")
		d.logger.Warn("rejected notification", "error", err)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	logger := d.logger.With("event_id", evt.ID, "event_type", evt.Type)
	logger.Info("notification received")

	switch evt.Type {
	case payments.EventSessionCompleted:
		if evt.Session == nil {
			logger.Warn("completed notification without session")
			break
		}
		if !evt.Session.Paid() {
			logger.Info("session completed without payment", "session_id", evt.Session.ID, "payment_status", evt.Session.PaymentStatus)
			break
		}
		err = d.complete(ctx, evt.ID, evt.Session)

	case payments.EventSessionExpired:
		if evt.Session == nil {
			logger.Warn("expired notification without session")
			break
		}
		err = d.engine.ReconcileFailed(ctx, evt.Session.ID, ReasonSessionExpired)

	case payments.EventIntentSucceeded:
		err = d.intentSucceeded(ctx, logger, evt)

	case payments.EventIntentFailed:
		// Failure is recorded from session expiry, not from intent events.
		if evt.Intent != nil {
			logger.Warn("payment intent failed", "payment_intent_id", evt.Intent.ID, "reason", evt.Intent.LastError)
		}

	default:
		countNotification(evt.Type, "ignored")
		logger.Debug("ignoring notification type")
		return nil
	}

	if err != nil {
		countNotification(evt.Type, "error")
		logger.Error("notification processing failed", "error", err)
		return err
	}
	countNotification(evt.Type, "ok")
	return nil
}

// complete reconciles a paid session and issues its receipt. Receipt errors
// are logged and swallowed.
func (r *reconciler) complete(ctx context.Context, eventID string, session *payments.SessionSnapshot) error {
	if _, err := r.engine.ReconcileSucceeded(ctx, session.ID); err != nil {
		return err
	}

	receipt, err := r.issuer.CreateFromNotification(ctx, session, eventID)
	if err != nil {
		receiptFailures.Inc()
		r.logger.Error("receipt issuance failed",
			"session_id", session.ID,
			"event_id", eventID,
			"error", err,
		)
		return nil
	}
	r.logger.Debug("receipt ready", "session_id", session.ID, "receipt_code", receipt.Code)
	return nil
}

// intentSucceeded traces the intent back to its checkout session, first by
// intent id and then through the customer.
func (d *Dispatcher) intentSucceeded(ctx context.Context, logger *slog.Logger, evt *payments.Event) error {
	intent := evt.Intent
	if intent == nil {
		logger.Warn("intent notification without payment intent")
		return nil
	}

	session, err := d.gateway.FindSessionByPaymentIntent(ctx, intent.ID)
	if err != nil {
		logger.Warn("session lookup by payment intent failed", "payment_intent_id", intent.ID, "error", err)
	}
	if session == nil && intent.CustomerID != "" {
		session, err = d.gateway.FindSessionByCustomer(ctx, intent.CustomerID, intent.ID)
		if err != nil {
			logger.Warn("session lookup by customer failed", "customer_id", intent.CustomerID, "error", err)
		}
	}
	if session == nil {
		unmatchedIntents.Inc()
		logger.Warn("no checkout session for payment intent",
			"payment_intent_id", intent.ID,
			"customer_id", intent.CustomerID,
		)
		d.engine.ReportUnmatchedIntent(ctx, evt.ID, intent)
		return nil
	}

	if session.PaymentIntentID == "" {
		session.PaymentIntentID = intent.ID
	}
	return d.complete(ctx, evt.ID, session)
}

var (
	receiptFailures  = metrics.NewCounter(`unipay_webhook_receipt_failures_total`)
	unmatchedIntents = metrics.NewCounter(`unipay_webhook_unmatched_intents_total`)
)

func countNotification(eventType, outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`unipay_webhook_notifications_total{type=%q,outcome=%q}`, eventType, outcome)).Inc()
}
