//go:build integration

package receipts_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"unipay/internal/common/database/databasetest"
	"unipay/internal/common/money"
	"unipay/internal/receipts"
)

type PostgresStoreSuite struct {
	suite.Suite
	pool  *pgxpool.Pool
	store *receipts.PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pool = databasetest.Start(s.T())
	s.store = receipts.NewPostgresStore(s.pool)
}

func (s *PostgresStoreSuite) SetupTest() {
	databasetest.Truncate(s.T(), s.pool, "payment_receipts")
}

func newReceipt(code, sessionID, eventID string) *receipts.Receipt {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &receipts.Receipt{
		Code:            code,
		SessionID:       sessionID,
		SubjectID:       42,
		SubjectCode:     "EST000042",
		SubjectName:     "Estudiante",
		InstitutionName: "UNSA",
		UnitName:        "FIPS",
		Concept:         "Matrícula",
		PeriodLabel:     "Periodo 7",
		AcademicYear:    2026,
		Amount:          money.New(500, money.PEN),
		Status:          receipts.StatusPaid,
		PaidAt:          now,
		SourceEventID:   eventID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *PostgresStoreSuite) TestCreateAndLookups() {
	r := newReceipt("REC-2026-000001", "cs_1", "evt_1")
	s.Require().NoError(s.store.Create(s.ctx, r))
	s.NotZero(r.ID)

	byEvent, err := s.store.GetByEventID(s.ctx, "evt_1")
	s.Require().NoError(err)
	s.Equal(r.Code, byEvent.Code)
	s.Equal(r.Amount, byEvent.Amount)
	s.Equal("", byEvent.PaymentIntentID)

	bySession, err := s.store.GetBySessionID(s.ctx, "cs_1")
	s.Require().NoError(err)
	s.Equal(r.ID, bySession.ID)

	byCode, err := s.store.GetByCode(s.ctx, "REC-2026-000001")
	s.Require().NoError(err)
	s.Equal(r.ID, byCode.ID)

	_, err = s.store.GetByCode(s.ctx, "REC-2026-000009")
	s.ErrorIs(err, receipts.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUniqueKeys() {
	s.Require().NoError(s.store.Create(s.ctx, newReceipt("REC-2026-000001", "cs_1", "evt_1")))

	err := s.store.Create(s.ctx, newReceipt("REC-2026-000001", "cs_2", "evt_2"))
	s.ErrorIs(err, receipts.ErrCodeTaken)

	err = s.store.Create(s.ctx, newReceipt("REC-2026-000002", "cs_1", "evt_2"))
	s.ErrorIs(err, receipts.ErrDuplicate)

	err = s.store.Create(s.ctx, newReceipt("REC-2026-000002", "cs_2", "evt_1"))
	s.ErrorIs(err, receipts.ErrDuplicate)
}

func (s *PostgresStoreSuite) TestLastCodeIsScopedToPrefix() {
	s.Require().NoError(s.store.Create(s.ctx, newReceipt("REC-2026-000001", "cs_1", "evt_1")))
	s.Require().NoError(s.store.Create(s.ctx, newReceipt("REC-2026-000002", "cs_2", "evt_2")))
	s.Require().NoError(s.store.Create(s.ctx, newReceipt("REC-2025-000007", "cs_3", "evt_3")))

	last, err := s.store.LastCode(s.ctx, receipts.CodePrefix(2026))
	s.Require().NoError(err)
	s.Equal("REC-2026-000002", last)

	last, err = s.store.LastCode(s.ctx, receipts.CodePrefix(2024))
	s.Require().NoError(err)
	s.Empty(last)
}

func (s *PostgresStoreSuite) TestListBySubject() {
	older := newReceipt("REC-2026-000001", "cs_1", "evt_1")
	older.PaidAt = older.PaidAt.Add(-time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, older))
	s.Require().NoError(s.store.Create(s.ctx, newReceipt("REC-2026-000002", "cs_2", "evt_2")))

	other := newReceipt("REC-2026-000003", "cs_3", "evt_3")
	other.SubjectID = 7
	s.Require().NoError(s.store.Create(s.ctx, other))

	list, err := s.store.ListBySubject(s.ctx, 42)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("REC-2026-000002", list[0].Code)
	s.Equal("REC-2026-000001", list[1].Code)
}
