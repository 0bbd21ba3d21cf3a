package receipts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"unipay/internal/common/database"
	"unipay/internal/common/money"
)

// Store persists receipts. Receipt code, session id and source event id are
// each unique.
type Store interface {
	GetByEventID(ctx context.Context, eventID string) (*Receipt, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Receipt, error)
	GetByCode(ctx context.Context, code string) (*Receipt, error)
	ListBySubject(ctx context.Context, subjectID int64) ([]*Receipt, error)
	// LastCode returns the greatest code starting with prefix, or "".
	LastCode(ctx context.Context, prefix string) (string, error)
	// Create returns ErrCodeTaken or ErrDuplicate on the matching unique violation.
	Create(ctx context.Context, r *Receipt) error
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL receipt store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	receiptColumns = `
		id, receipt_code, external_session_id, payment_intent_id,
		subject_id, subject_code, subject_name, institution_name, unit_name,
		concept, period_label, academic_year, amount_minor, currency, status,
		paid_at, source_event_id, created_at, updated_at`

	codeConstraint = "payment_receipts_receipt_code_key"
)

// Create inserts a receipt.
func (s *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payment_receipts (
			receipt_code, external_session_id, payment_intent_id,
			subject_id, subject_code, subject_name, institution_name, unit_name,
			concept, period_label, academic_year, amount_minor, currency, status,
			paid_at, source_event_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		r.Code, r.SessionID, nullStr(r.PaymentIntentID),
		r.SubjectID, r.SubjectCode, r.SubjectName, r.InstitutionName, r.UnitName,
		r.Concept, r.PeriodLabel, r.AcademicYear, r.Amount.AmountMinor, r.Amount.Currency, r.Status,
		r.PaidAt, r.SourceEventID, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			if database.ConstraintName(err) == codeConstraint {
				return fmt.Errorf("%w: %s", ErrCodeTaken, r.Code)
			}
			return fmt.Errorf("%w: session %s", ErrDuplicate, r.SessionID)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetByEventID retrieves the receipt issued for a notification event.
func (s *PostgresStore) GetByEventID(ctx context.Context, eventID string) (*Receipt, error) {
	return scanReceipt(s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM payment_receipts WHERE source_event_id = $1`, eventID))
}

// GetBySessionID retrieves the receipt issued for a checkout session.
func (s *PostgresStore) GetBySessionID(ctx context.Context, sessionID string) (*Receipt, error) {
	return scanReceipt(s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM payment_receipts WHERE external_session_id = $1`, sessionID))
}

// GetByCode retrieves a receipt by its human-readable code.
func (s *PostgresStore) GetByCode(ctx context.Context, code string) (*Receipt, error) {
	return scanReceipt(s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM payment_receipts WHERE receipt_code = $1`, code))
}

// ListBySubject returns a subject's receipts, newest first.
func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID int64) ([]*Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM payment_receipts
		WHERE subject_id = $1
		ORDER BY paid_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastCode returns the lexicographically greatest code with the prefix.
func (s *PostgresStore) LastCode(ctx context.Context, prefix string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `
		SELECT receipt_code
		FROM payment_receipts
		WHERE receipt_code LIKE $1
		ORDER BY receipt_code DESC
		LIMIT 1`, prefix+"%").Scan(&code)
	if database.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last receipt code: %w", err)
	}
	return code, nil
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		r           Receipt
		intentID    *string
		amountMinor int64
		currency    string
	)
	err := row.Scan(
		&r.ID, &r.Code, &r.SessionID, &intentID,
		&r.SubjectID, &r.SubjectCode, &r.SubjectName, &r.InstitutionName, &r.UnitName,
		&r.Concept, &r.PeriodLabel, &r.AcademicYear, &amountMinor, &currency, &r.Status,
		&r.PaidAt, &r.SourceEventID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	if intentID != nil {
		r.PaymentIntentID = *intentID
	}
	r.Amount = money.New(amountMinor, money.Currency(currency))
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
