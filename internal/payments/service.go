package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"unipay/internal/common/events"
	"unipay/internal/common/middleware"
	"unipay/internal/common/money"
)

// Config holds lifecycle engine settings.
type Config struct {
	EnrollmentFee     money.Money
	Currency          money.Currency
	SuccessURL        string
	CancelURL         string
	EnrollmentConcept string
	CourseConcept     string
}

// Service is the payment lifecycle engine.
type Service struct {
	store     Store
	gateway   Gateway
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new lifecycle engine.
func NewService(store Store, gateway Gateway, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = cfg.EnrollmentFee.Currency
	}
	if cfg.CourseConcept == "" {
		cfg.CourseConcept = "Pago de cursos"
	}
	return &Service{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CheckoutRequest is what a caller asks to pay for.
type CheckoutRequest struct {
	Kind     Kind
	PeriodID int64
	Courses  []CourseItem
}

// CourseItem is one course in a course checkout. Prices are in major units.
type CourseItem struct {
	CourseID  int64
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// CheckoutResult is returned once the gateway session exists and the
// pending payment is recorded.
type CheckoutResult struct {
	PaymentID   int64       `json:"payment_id"`
	SessionID   string      `json:"session_id"`
	RedirectURL string      `json:"redirect_url"`
	Amount      money.Money `json:"total"`
	Kind        Kind        `json:"kind"`
}

// EnrollmentStatus answers whether a subject's enrollment fee is paid.
type EnrollmentStatus struct {
	Paid      bool         `json:"paid"`
	PaymentID int64        `json:"payment_id,omitempty"`
	PaidAt    *time.Time   `json:"paid_at,omitempty"`
	Amount    *money.Money `json:"total,omitempty"`
}

// CreateCheckoutSession validates the request, prices it, opens a gateway
// session and records a pending payment. Nothing is written when the gateway
// call fails.
func (s *Service) CreateCheckoutSession(ctx context.Context, subjectID int64, req CheckoutRequest) (*CheckoutResult, error) {
	if subjectID <= 0 {
		return nil, fmt.Errorf("%w: subject id must be positive", ErrInvalidArgument)
	}
	if req.PeriodID <= 0 {
		return nil, fmt.Errorf("%w: period id must be positive", ErrInvalidArgument)
	}

	kind := req.Kind
	if kind == "" && len(req.Courses) > 0 {
		kind = KindCourse
	}

	var (
		items []LineItem
		meta  = Metadata{Kind: kind, PeriodID: req.PeriodID}
	)
	switch kind {
	case KindEnrollment:
		if err := s.ensureEnrollmentUnpaid(ctx, subjectID, req.PeriodID); err != nil {
			return nil, err
		}
		item, err := NewLineItem(EnrollmentItemID, "Matrícula", 1, s.cfg.EnrollmentFee)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		items = []LineItem{item}
	case KindCourse:
		var err error
		if items, err = s.courseItems(req.Courses); err != nil {
			countCheckoutRejected("invalid_items")
			return nil, err
		}
		for _, item := range items {
			meta.Courses = append(meta.Courses, CourseRef{CourseID: item.ItemID, Name: item.Name, Quantity: item.Quantity})
		}
	default:
		countCheckoutRejected("invalid_kind")
		return nil, fmt.Errorf("%w: a payment kind or at least one course is required", ErrInvalidArgument)
	}

	amount, err := s.amountFor(kind, items)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		countCheckoutRejected("non_positive_amount")
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidArgument)
	}

	concept := s.cfg.EnrollmentConcept
	if kind == KindCourse {
		concept = s.cfg.CourseConcept
	}

	session, err := s.gateway.CreateSession(ctx, &SessionRequest{
		SubjectID:  subjectID,
		PeriodID:   req.PeriodID,
		Kind:       kind,
		Amount:     amount,
		Items:      items,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
		Metadata: map[string]string{
			MetaSubjectID:    strconv.FormatInt(subjectID, 10),
			MetaPeriodID:     strconv.FormatInt(req.PeriodID, 10),
			MetaKind:         string(kind),
			MetaConcept:      concept,
			MetaPeriod:       "Periodo " + strconv.FormatInt(req.PeriodID, 10),
			MetaAcademicYear: strconv.Itoa(s.now().Year()),
			MetaAmount:       amount.Amount(),
		},
	})
	if err != nil {
		s.logger.Error("checkout session creation failed",
			"subject_id", subjectID,
			"period_id", req.PeriodID,
			"kind", kind,
			"error", err,
		)
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	now := s.now()
	p := &Payment{
		SubjectID:          subjectID,
		PeriodID:           req.PeriodID,
		ExternalSessionID:  session.ID,
		ExternalCustomerID: session.CustomerID,
		Amount:             amount,
		Status:             StatusPending,
		Kind:               kind,
		Metadata:           meta,
		Items:              items,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		// The gateway session exists but will never be reconciled locally.
		s.logger.Error("failed to record pending payment",
			"subject_id", subjectID,
			"session_id", session.ID,
			"error", err,
		)
		return nil, fmt.Errorf("record payment: %w", err)
	}

	countCheckout(kind)
	s.logger.Info("checkout session created",
		"payment_id", p.ID,
		"subject_id", subjectID,
		"period_id", req.PeriodID,
		"session_id", session.ID,
		"kind", kind,
		"amount", amount.String(),
	)
	s.publish(ctx, EventTypeCheckoutCreated, p.ID, CheckoutCreated{
		PaymentID: p.ID,
		SubjectID: subjectID,
		PeriodID:  req.PeriodID,
		SessionID: session.ID,
		Kind:      kind,
		Amount:    amount.Amount(),
		Currency:  string(amount.Currency),
	})

	return &CheckoutResult{
		PaymentID:   p.ID,
		SessionID:   session.ID,
		RedirectURL: session.URL,
		Amount:      amount,
		Kind:        kind,
	}, nil
}

func (s *Service) ensureEnrollmentUnpaid(ctx context.Context, subjectID, periodID int64) error {
	existing, err := s.store.LatestSucceededEnrollment(ctx, subjectID, periodID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("check enrollment payment: %w", err)
	}
	countCheckoutRejected("enrollment_already_paid")
	s.logger.Info("enrollment already paid",
		"subject_id", subjectID,
		"period_id", periodID,
		"payment_id", existing.ID,
	)
	return fmt.Errorf("%w: enrollment for period %d is already paid", ErrConflict, periodID)
}

func (s *Service) courseItems(courses []CourseItem) ([]LineItem, error) {
	if len(courses) == 0 {
		return nil, fmt.Errorf("%w: at least one course is required", ErrInvalidArgument)
	}
	items := make([]LineItem, 0, len(courses))
	for i, c := range courses {
		if c.CourseID <= 0 {
			return nil, fmt.Errorf("%w: course %d has no id", ErrInvalidArgument, i+1)
		}
		if c.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: course %d has a negative price", ErrInvalidArgument, c.CourseID)
		}
		quantity := c.Quantity
		if quantity == 0 {
			quantity = 1
		}
		if quantity < 0 {
			return nil, fmt.Errorf("%w: course %d has a negative quantity", ErrInvalidArgument, c.CourseID)
		}
		price, err := money.FromDecimal(c.UnitPrice, s.cfg.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: course %d: %v", ErrInvalidArgument, c.CourseID, err)
		}
		name := c.Name
		if name == "" {
			name = "Curso " + strconv.FormatInt(c.CourseID, 10)
		}
		item, err := NewLineItem(c.CourseID, name, quantity, price)
		if err != nil {
			return nil, fmt.Errorf("%w: course %d: %v", ErrInvalidArgument, c.CourseID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// amountFor prices a checkout. The flat fee is authoritative for enrollment;
// course payments are the exact sum of their subtotals.
func (s *Service) amountFor(kind Kind, items []LineItem) (money.Money, error) {
	if kind == KindEnrollment {
		return s.cfg.EnrollmentFee, nil
	}
	subtotals := make([]money.Money, len(items))
	for i, item := range items {
		subtotals[i] = item.Subtotal
	}
	total, err := money.Sum(s.cfg.Currency, subtotals...)
	if err != nil {
		return money.Money{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return total, nil
}

// ReconcileSucceeded marks the payment behind sessionID as succeeded. Unknown
// sessions and repeated notifications are not errors. The returned payment is
// nil when the session is unknown.
func (s *Service) ReconcileSucceeded(ctx context.Context, sessionID string) (*Payment, error) {
	var previous Status
	p, err := s.store.Transition(ctx, sessionID, func(p *Payment) error {
		previous = p.Status
		return p.MarkSucceeded(s.now())
	})
	switch {
	case errors.Is(err, ErrNotFound):
		countTransition(StatusSucceeded, "unknown_session")
		s.logger.Warn("success notification for unknown session", "session_id", sessionID)
		return nil, nil
	case errors.Is(err, ErrNoTransition):
		countTransition(StatusSucceeded, "duplicate")
		s.logger.Info("payment already succeeded", "payment_id", p.ID, "session_id", sessionID)
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("reconcile succeeded %s: %w", sessionID, err)
	}

	if previous == StatusFailed {
		s.logger.Warn("failed payment reported as succeeded",
			"payment_id", p.ID,
			"session_id", sessionID,
		)
	}
	countTransition(StatusSucceeded, "applied")
	s.logger.Info("payment succeeded",
		"payment_id", p.ID,
		"subject_id", p.SubjectID,
		"session_id", sessionID,
		"kind", p.Kind,
		"processed", p.Processed,
	)
	s.publish(ctx, EventTypeSucceeded, p.ID, statusChanged(p, previous))
	return p, nil
}

// ReconcileFailed marks the payment behind sessionID as failed with reason.
// A succeeded payment is still overwritten, since the gateway is the source
// of truth, but the anomaly is logged.
func (s *Service) ReconcileFailed(ctx context.Context, sessionID, reason string) error {
	var previous Status
	p, err := s.store.Transition(ctx, sessionID, func(p *Payment) error {
		previous = p.Status
		return p.MarkFailed(reason, s.now())
	})
	switch {
	case errors.Is(err, ErrNotFound):
		countTransition(StatusFailed, "unknown_session")
		s.logger.Warn("failure notification for unknown session", "session_id", sessionID)
		return nil
	case errors.Is(err, ErrNoTransition):
		countTransition(StatusFailed, "duplicate")
		return nil
	case err != nil:
		return fmt.Errorf("reconcile failed %s: %w", sessionID, err)
	}

	if previous == StatusSucceeded {
		s.logger.Warn("succeeded payment reported as failed",
			"payment_id", p.ID,
			"session_id", sessionID,
			"reason", p.ErrorMessage,
		)
	}
	countTransition(StatusFailed, "applied")
	s.logger.Info("payment failed",
		"payment_id", p.ID,
		"session_id", sessionID,
		"reason", p.ErrorMessage,
	)
	s.publish(ctx, EventTypeFailed, p.ID, statusChanged(p, previous))
	return nil
}

// VerifyEnrollmentPaid never fails: lookup problems are logged and reported
// as not paid.
func (s *Service) VerifyEnrollmentPaid(ctx context.Context, subjectID, periodID int64) EnrollmentStatus {
	if subjectID <= 0 || periodID <= 0 {
		return EnrollmentStatus{}
	}
	p, err := s.store.LatestSucceededEnrollment(ctx, subjectID, periodID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("enrollment verification failed",
				"subject_id", subjectID,
				"period_id", periodID,
				"error", err,
			)
		}
		return EnrollmentStatus{}
	}
	amount := p.Amount
	return EnrollmentStatus{
		Paid:      true,
		PaymentID: p.ID,
		PaidAt:    p.SucceededAt,
		Amount:    &amount,
	}
}

// GetStatus returns a payment by internal id.
func (s *Service) GetStatus(ctx context.Context, paymentID int64) (*Payment, error) {
	return s.store.GetByID(ctx, paymentID)
}

// GetStatusBySession returns a payment by external session id.
func (s *Service) GetStatusBySession(ctx context.Context, sessionID string) (*Payment, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	return s.store.GetBySessionID(ctx, sessionID)
}

// GetHistory lists a subject's payments, newest first.
func (s *Service) GetHistory(ctx context.Context, subjectID int64) ([]*Payment, error) {
	return s.store.ListBySubject(ctx, subjectID)
}

// ListPending returns pending payments older than age.
func (s *Service) ListPending(ctx context.Context, age time.Duration, limit int) ([]*Payment, error) {
	return s.store.ListPending(ctx, s.now().Add(-age), limit)
}

// ReportUnmatchedIntent publishes a succeeded payment intent that could not
// be traced to a checkout session.
func (s *Service) ReportUnmatchedIntent(ctx context.Context, eventID string, intent *IntentSnapshot) {
	evt, err := events.NewEvent(EventTypeIntentUnmatched, "payment_intent", intent.ID, IntentUnmatched{
		EventID:    eventID,
		IntentID:   intent.ID,
		CustomerID: intent.CustomerID,
	})
	if err != nil {
		s.logger.Error("failed to build event", "type", EventTypeIntentUnmatched, "error", err)
		return
	}
	s.emit(ctx, evt)
}

func (s *Service) publish(ctx context.Context, eventType string, paymentID int64, data any) {
	evt, err := events.NewEvent(eventType, AggregatePayment, aggregateID(paymentID), data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	s.emit(ctx, evt)
}

// emit publishes best effort: the store is authoritative, events are advisory.
func (s *Service) emit(ctx context.Context, evt *events.Event) {
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event",
			"event_id", evt.ID,
			"type", evt.Type,
			"error", err,
		)
	}
}
