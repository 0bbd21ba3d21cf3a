package payments

import (
	"context"

	"unipay/internal/common/money"
)

// Gateway metadata keys attached to every checkout session.
const (
	MetaSubjectID       = "subject_id"
	MetaPeriodID        = "period_id"
	MetaKind            = "kind"
	MetaSubjectCode     = "subject_code"
	MetaSubjectName     = "subject_name"
	MetaInstitutionName = "institution_name"
	MetaUnitName        = "unit_name"
	MetaPeriod          = "period"
	MetaAcademicYear    = "academic_year"
	MetaConcept         = "concept"
	MetaAmount          = "amount"
	MetaPaymentIntentID = "payment_intent_id"
)

// Gateway event types the service reacts to.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionExpired   = "checkout.session.expired"
	EventIntentSucceeded  = "payment_intent.succeeded"
	EventIntentFailed     = "payment_intent.payment_failed"
)

// Session states and payment markers reported by the gateway.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	PaymentStatusPaid = "paid"
)

// Gateway is the hosted checkout provider.
type Gateway interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error)
	// FindSessionByPaymentIntent returns nil without error when no session references intentID.
	FindSessionByPaymentIntent(ctx context.Context, intentID string) (*SessionSnapshot, error)
	// FindSessionByCustomer returns the customer's session referencing intentID,
	// else its newest paid session with no intent attached, or nil.
	FindSessionByCustomer(ctx context.Context, customerID, intentID string) (*SessionSnapshot, error)
}

// SessionRequest describes a checkout session to open.
type SessionRequest struct {
	SubjectID  int64
	PeriodID   int64
	Kind       Kind
	Amount     money.Money
	Items      []LineItem
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Session is a freshly created checkout session.
type Session struct {
	ID         string
	URL        string
	CustomerID string
}

// SessionSnapshot is the gateway's current view of a checkout session.
type SessionSnapshot struct {
	ID               string
	Status           string
	PaymentStatus    string
	AmountTotalMinor int64
	Currency         string
	Metadata         map[string]string
	PaymentIntentID  string
	CustomerID       string
}

// Paid reports whether the gateway marked the session as paid.
func (s *SessionSnapshot) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

// Event is a verified gateway notification.
type Event struct {
	ID      string
	Type    string
	Session *SessionSnapshot
	Intent  *IntentSnapshot
}

// IntentSnapshot is the subset of a payment intent the dispatcher needs.
type IntentSnapshot struct {
	ID         string
	CustomerID string
	LastError  string
}
