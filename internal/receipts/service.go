package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/VictoriaMetrics/metrics"

	"unipay/internal/common/database"
	"unipay/internal/common/events"
	"unipay/internal/common/middleware"
	"unipay/internal/common/money"
	"unipay/internal/payments"
)

// EventTypeIssued is published once per newly created receipt.
const EventTypeIssued = "receipt.issued"

const maxCodeAttempts = 5

var (
	receiptsIssued    = metrics.NewCounter(`unipay_receipts_issued_total`)
	receiptsReplayed  = metrics.NewCounter(`unipay_receipts_replayed_total`)
	receiptCollisions = metrics.NewCounter(`unipay_receipt_code_collisions_total`)
)

// PaymentFinder looks up the local payment behind a checkout session.
type PaymentFinder interface {
	GetBySessionID(ctx context.Context, sessionID string) (*payments.Payment, error)
}

// Config supplies the labels used when session metadata is incomplete.
type Config struct {
	InstitutionName string
	UnitName        string
	Concept         string
	Currency        money.Currency
}

// Service is the receipt issuer.
type Service struct {
	store     Store
	payments  PaymentFinder
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new receipt issuer.
func NewService(store Store, finder PaymentFinder, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = money.PEN
	}
	return &Service{
		store:     store,
		payments:  finder,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateFromNotification issues the receipt for a paid session at most once.
// A receipt already recorded for eventID, or for the session under another
// event, is returned unchanged.
func (s *Service) CreateFromNotification(ctx context.Context, session *payments.SessionSnapshot, eventID string) (*Receipt, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("%w: session is required", payments.ErrInvalidArgument)
	}
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", payments.ErrInvalidArgument)
	}

	if existing, err := s.existing(ctx, session.ID, eventID); err != nil || existing != nil {
		if existing != nil {
			receiptsReplayed.Inc()
		}
		return existing, err
	}

	payment, err := s.payments.GetBySessionID(ctx, session.ID)
	if err != nil {
		if !errors.Is(err, payments.ErrNotFound) {
			return nil, fmt.Errorf("load payment for session %s: %w", session.ID, err)
		}
		s.logger.Warn("issuing receipt without local payment", "session_id", session.ID, "event_id", eventID)
	}

	r, err := s.derive(session, payment, eventID)
	if err != nil {
		return nil, err
	}

	err = database.Retry(ctx, maxCodeAttempts, isCodeTaken, func() error {
		last, err := s.store.LastCode(ctx, CodePrefix(r.AcademicYear))
		if err != nil {
			return err
		}
		if r.Code, err = NextCode(r.AcademicYear, last); err != nil {
			return err
		}
		err = s.store.Create(ctx, r)
		if errors.Is(err, ErrCodeTaken) {
			receiptCollisions.Inc()
		}
		return err
	})
	if errors.Is(err, ErrDuplicate) {
		// A concurrent delivery inserted first; hand back its receipt.
		existing, lookupErr := s.existing(ctx, session.ID, eventID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			receiptsReplayed.Inc()
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create receipt for session %s: %w", session.ID, err)
	}

	receiptsIssued.Inc()
	s.logger.Info("receipt issued",
		"receipt_code", r.Code,
		"session_id", r.SessionID,
		"subject_id", r.SubjectID,
		"event_id", eventID,
		"amount", r.Amount.String(),
	)
	s.publish(ctx, r)
	return r, nil
}

func (s *Service) existing(ctx context.Context, sessionID, eventID string) (*Receipt, error) {
	r, err := s.store.GetByEventID(ctx, eventID)
	if err == nil {
		s.logger.Info("receipt already issued for event", "event_id", eventID, "receipt_code", r.Code)
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup receipt by event: %w", err)
	}

	r, err = s.store.GetBySessionID(ctx, sessionID)
	if err == nil {
		s.logger.Info("receipt already issued for session", "session_id", sessionID, "receipt_code", r.Code)
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup receipt by session: %w", err)
	}
	return nil, nil
}

// derive fills the receipt from session metadata, falling back to the local
// payment and configured labels.
func (s *Service) derive(session *payments.SessionSnapshot, payment *payments.Payment, eventID string) (*Receipt, error) {
	meta := session.Metadata
	now := s.now()

	subjectID := metaInt(meta, payments.MetaSubjectID)
	if subjectID == 0 && payment != nil {
		subjectID = payment.SubjectID
	}
	periodID := metaInt(meta, payments.MetaPeriodID)
	if periodID == 0 && payment != nil {
		periodID = payment.PeriodID
	}

	paidAt := now
	if payment != nil && payment.SucceededAt != nil {
		paidAt = *payment.SucceededAt
	}

	year := int(metaInt(meta, payments.MetaAcademicYear))
	if year == 0 {
		year = paidAt.Year()
	}

	periodLabel := "Sin periodo"
	if periodID > 0 {
		periodLabel = "Periodo " + strconv.FormatInt(periodID, 10)
	}

	amount, err := s.amount(session, payment)
	if err != nil {
		return nil, err
	}

	intentID := session.PaymentIntentID
	if intentID == "" {
		intentID = meta[payments.MetaPaymentIntentID]
	}

	return &Receipt{
		SessionID:       session.ID,
		PaymentIntentID: intentID,
		SubjectID:       subjectID,
		SubjectCode:     metaOr(meta, payments.MetaSubjectCode, fmt.Sprintf("EST%06d", subjectID), shortField),
		SubjectName:     metaOr(meta, payments.MetaSubjectName, "Estudiante", longField),
		InstitutionName: metaOr(meta, payments.MetaInstitutionName, s.cfg.InstitutionName, longField),
		UnitName:        metaOr(meta, payments.MetaUnitName, s.cfg.UnitName, longField),
		Concept:         metaOr(meta, payments.MetaConcept, s.cfg.Concept, longField),
		PeriodLabel:     metaOr(meta, payments.MetaPeriod, periodLabel, shortField),
		AcademicYear:    year,
		Amount:          amount,
		Status:          StatusPaid,
		PaidAt:          paidAt,
		SourceEventID:   eventID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// amount prefers the gateway's minor-unit total, then the metadata amount,
// then the local payment.
func (s *Service) amount(session *payments.SessionSnapshot, payment *payments.Payment) (money.Money, error) {
	currency, err := money.ParseCurrency(session.Currency, s.cfg.Currency)
	if err != nil {
		currency = s.cfg.Currency
	}

	if session.AmountTotalMinor > 0 {
		return money.New(session.AmountTotalMinor, currency), nil
	}
	if raw := session.Metadata[payments.MetaAmount]; raw != "" {
		m, err := money.Parse(raw, currency)
		if err == nil && m.IsPositive() {
			return m, nil
		}
		s.logger.Warn("ignoring malformed metadata amount", "session_id", session.ID, "amount", raw)
	}
	if payment != nil {
		return payment.Amount, nil
	}
	return money.Money{}, fmt.Errorf("%w: session %s carries no amount", payments.ErrInvalidArgument, session.ID)
}

// GetBySession returns the subject's receipt for a session. Receipts owned by
// another subject are reported as not found.
func (s *Service) GetBySession(ctx context.Context, sessionID string, subjectID int64) (*Receipt, error) {
	r, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return owned(r, subjectID)
}

// GetByCode returns the subject's receipt with the given code.
func (s *Service) GetByCode(ctx context.Context, code string, subjectID int64) (*Receipt, error) {
	r, err := s.store.GetByCode(ctx, strings.ToUpper(code))
	if err != nil {
		return nil, err
	}
	return owned(r, subjectID)
}

// ListForSubject returns the subject's receipts, newest first.
func (s *Service) ListForSubject(ctx context.Context, subjectID int64) ([]*Receipt, error) {
	return s.store.ListBySubject(ctx, subjectID)
}

func owned(r *Receipt, subjectID int64) (*Receipt, error) {
	if subjectID <= 0 || r.SubjectID != subjectID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *Service) publish(ctx context.Context, r *Receipt) {
	evt, err := events.NewEvent(EventTypeIssued, "receipt", r.Code, r)
	if err != nil {
		s.logger.Error("failed to build event", "type", EventTypeIssued, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event", "event_id", evt.ID, "type", evt.Type, "error", err)
	}
}

func isCodeTaken(err error) bool {
	return errors.Is(err, ErrCodeTaken)
}

// Column widths of the payment_receipts text fields, in characters.
const (
	shortField = 64
	longField  = 255
)

func metaOr(meta map[string]string, key, fallback string, limit int) string {
	v := strings.TrimSpace(meta[key])
	if v == "" {
		v = fallback
	}
	return truncate(v, limit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func metaInt(meta map[string]string, key string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(meta[key]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
