package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"unipay/internal/common/database"
	"unipay/internal/common/money"
)

// Store persists payments and their line items.
type Store interface {
	// Create inserts p and its items atomically, filling in p.ID.
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Payment, error)
	ListBySubject(ctx context.Context, subjectID int64) ([]*Payment, error)
	LatestSucceededEnrollment(ctx context.Context, subjectID, periodID int64) (*Payment, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error)

	// Transition loads the payment for sessionID under a row lock, applies fn
	// and persists the result. When fn returns an error nothing is written and
	// the error is returned together with the unmodified payment.
	Transition(ctx context.Context, sessionID string, fn func(p *Payment) error) (*Payment, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const transitionAttempts = 3

const paymentColumns = `
	id, subject_id, period_id, external_session_id, external_customer_id,
	amount_minor, currency, status, kind, metadata, error_message, processed,
	created_at, updated_at, succeeded_at`

// Create inserts a new payment together with its line items.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal payment metadata: %w", err)
	}

	return database.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO payments (
				subject_id, period_id, external_session_id, external_customer_id,
				amount_minor, currency, status, kind, metadata, processed,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			p.SubjectID, p.PeriodID, p.ExternalSessionID, nullStr(p.ExternalCustomerID),
			p.Amount.AmountMinor, p.Amount.Currency, p.Status, p.Kind, metadata, p.Processed,
			p.CreatedAt, p.UpdatedAt,
		).Scan(&p.ID)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: session %s already recorded", ErrConflict, p.ExternalSessionID)
			}
			return fmt.Errorf("insert payment: %w", err)
		}

		for _, item := range p.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO payment_line_items (
					payment_id, item_id, name, quantity, unit_price_minor, subtotal_minor
				) VALUES ($1, $2, $3, $4, $5, $6)`,
				p.ID, item.ItemID, item.Name, item.Quantity,
				item.UnitPrice.AmountMinor, item.Subtotal.AmountMinor,
			)
			if err != nil {
				return fmt.Errorf("insert line item %d: %w", item.ItemID, err)
			}
		}
		return nil
	})
}

// GetByID retrieves a payment and its items.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return s.getOne(ctx, row)
}

// GetBySessionID retrieves a payment by its external session id.
func (s *PostgresStore) GetBySessionID(ctx context.Context, sessionID string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_session_id = $1`, sessionID)
	return s.getOne(ctx, row)
}

// ListBySubject returns a subject's payments, newest first.
func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID int64) ([]*Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	return s.collect(ctx, rows)
}

// LatestSucceededEnrollment returns the most recent succeeded enrollment
// payment for the subject and period.
func (s *PostgresStore) LatestSucceededEnrollment(ctx context.Context, subjectID, periodID int64) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE subject_id = $1 AND period_id = $2 AND kind = $3 AND status = $4
		ORDER BY succeeded_at DESC NULLS LAST, id DESC
		LIMIT 1`, subjectID, periodID, KindEnrollment, StatusSucceeded)
	return scanPayment(row)
}

// ListPending returns pending payments created before the cutoff, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, StatusPending, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending payments: %w", err)
	}
	return s.collect(ctx, rows)
}

// Transition applies fn to the locked payment row and writes the new state.
// Serialization failures are retried.
func (s *PostgresStore) Transition(ctx context.Context, sessionID string, fn func(p *Payment) error) (*Payment, error) {
	var p *Payment
	err := database.Retry(ctx, transitionAttempts, database.IsSerializationFailure, func() error {
		return database.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
			var err error
			p, err = scanPayment(tx.QueryRow(ctx, `
				SELECT `+paymentColumns+`
				FROM payments
				WHERE external_session_id = $1
				FOR UPDATE`, sessionID))
			if err != nil {
				return err
			}

			previous := p.Status
			if err := fn(p); err != nil {
				return err
			}

			tag, err := tx.Exec(ctx, `
				UPDATE payments
				SET status = $2, error_message = $3, processed = $4,
					succeeded_at = $5, updated_at = $6
				WHERE id = $1 AND status = $7`,
				p.ID, p.Status, nullStr(p.ErrorMessage), p.Processed,
				p.SucceededAt, p.UpdatedAt, previous,
			)
			if err != nil {
				return fmt.Errorf("update payment %d: %w", p.ID, err)
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("update payment %d: status changed concurrently", p.ID)
			}
			return nil
		})
	})
	if err != nil {
		return p, err
	}

	items, err := loadItems(ctx, s.pool, []*Payment{p})
	if err != nil {
		return nil, err
	}
	p.Items = items[p.ID]
	return p, nil
}

func (s *PostgresStore) getOne(ctx context.Context, row pgx.Row) (*Payment, error) {
	p, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, s.pool, []*Payment{p})
	if err != nil {
		return nil, err
	}
	p.Items = items[p.ID]
	return p, nil
}

func (s *PostgresStore) collect(ctx context.Context, rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}

	items, err := loadItems(ctx, s.pool, payments)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		p.Items = items[p.ID]
	}
	return payments, nil
}

func loadItems(ctx context.Context, q database.Querier, payments []*Payment) (map[int64][]LineItem, error) {
	if len(payments) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(payments))
	currencies := make(map[int64]money.Currency, len(payments))
	for i, p := range payments {
		ids[i] = p.ID
		currencies[p.ID] = p.Amount.Currency
	}

	rows, err := q.Query(ctx, `
		SELECT payment_id, item_id, name, quantity, unit_price_minor, subtotal_minor
		FROM payment_line_items
		WHERE payment_id = ANY($1)
		ORDER BY payment_id, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	items := make(map[int64][]LineItem, len(payments))
	for rows.Next() {
		var (
			paymentID           int64
			item                LineItem
			unitPrice, subtotal int64
		)
		if err := rows.Scan(&paymentID, &item.ItemID, &item.Name, &item.Quantity, &unitPrice, &subtotal); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		item.UnitPrice = money.New(unitPrice, currencies[paymentID])
		item.Subtotal = money.New(subtotal, currencies[paymentID])
		items[paymentID] = append(items[paymentID], item)
	}
	return items, rows.Err()
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                      Payment
		customerID, errMessage *string
		amountMinor            int64
		currency, status, kind string
		metadata               []byte
	)

	err := row.Scan(
		&p.ID, &p.SubjectID, &p.PeriodID, &p.ExternalSessionID, &customerID,
		&amountMinor, &currency, &status, &kind, &metadata, &errMessage, &p.Processed,
		&p.CreatedAt, &p.UpdatedAt, &p.SucceededAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Amount = money.New(amountMinor, money.Currency(currency))
	if p.Status, err = parseStatus(status); err != nil {
		return nil, err
	}
	if p.Kind, err = parseKind(kind); err != nil {
		return nil, err
	}
	if customerID != nil {
		p.ExternalCustomerID = *customerID
	}
	if errMessage != nil {
		p.ErrorMessage = *errMessage
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment %d metadata: %w", p.ID, err)
		}
	}
	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
