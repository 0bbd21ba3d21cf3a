package payments

import (
	"strconv"
	"time"
)

// Event types published by the lifecycle engine.
const (
	EventTypeCheckoutCreated = "payment.checkout_created"
	EventTypeSucceeded       = "payment.succeeded"
	EventTypeFailed          = "payment.failed"
	EventTypeIntentUnmatched = "payment.intent_unmatched"
)

// AggregatePayment is the aggregate type stamped on payment events.
const AggregatePayment = "payment"

// StatusChanged is the payload of succeeded and failed events.
type StatusChanged struct {
	PaymentID   int64      `json:"payment_id"`
	SubjectID   int64      `json:"subject_id"`
	PeriodID    int64      `json:"period_id"`
	SessionID   string     `json:"session_id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Previous    Status     `json:"previous_status"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Processed   bool       `json:"processed"`
	Reason      string     `json:"reason,omitempty"`
	SucceededAt *time.Time `json:"succeeded_at,omitempty"`
}

// CheckoutCreated is the payload of checkout-created events.
type CheckoutCreated struct {
	PaymentID int64  `json:"payment_id"`
	SubjectID int64  `json:"subject_id"`
	PeriodID  int64  `json:"period_id"`
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// IntentUnmatched is published when a succeeded payment intent cannot be
// traced back to a checkout session.
type IntentUnmatched struct {
	EventID    string `json:"event_id"`
	IntentID   string `json:"payment_intent_id"`
	CustomerID string `json:"customer_id,omitempty"`
}

func aggregateID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func statusChanged(p *Payment, previous Status) StatusChanged {
	return StatusChanged{
		PaymentID:   p.ID,
		SubjectID:   p.SubjectID,
		PeriodID:    p.PeriodID,
		SessionID:   p.ExternalSessionID,
		Kind:        p.Kind,
		Status:      p.Status,
		Previous:    previous,
		Amount:      p.Amount.Amount(),
		Currency:    string(p.Amount.Currency),
		Processed:   p.Processed,
		Reason:      p.ErrorMessage,
		SucceededAt: p.SucceededAt,
	}
}
