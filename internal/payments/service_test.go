package payments_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"unipay/internal/common/logging"
	"unipay/internal/common/money"
	"unipay/internal/payments"
	"unipay/internal/payments/paymentstest"
)

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *paymentstest.MemoryStore
	gateway   *paymentstest.Gateway
	published *paymentstest.Recorder
	svc       *payments.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = paymentstest.NewMemoryStore()
	s.gateway = paymentstest.NewGateway()
	s.published = &paymentstest.Recorder{}
	s.svc = payments.NewService(s.store, s.gateway, s.published, payments.Config{
		EnrollmentFee:     money.New(500, money.PEN),
		SuccessURL:        "http://localhost:5173/estudiante/pago-exitoso?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         "http://localhost:5173/pago-cancelado",
		EnrollmentConcept: "Matrícula Académica",
	}, logging.Discard())
}

func (s *ServiceSuite) enroll(subjectID, periodID int64) *payments.CheckoutResult {
	res, err := s.svc.CreateCheckoutSession(s.ctx, subjectID, payments.CheckoutRequest{
		Kind:     payments.KindEnrollment,
		PeriodID: periodID,
	})
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) TestEnrollmentLifecycle() {
	res := s.enroll(42, 7)

	s.Equal(int64(1001), res.PaymentID)
	s.Equal("5.00", res.Amount.Amount())
	s.Equal(money.PEN, res.Amount.Currency)
	s.NotEmpty(res.SessionID)
	s.Contains(res.RedirectURL, res.SessionID)

	p, err := s.svc.GetStatus(s.ctx, res.PaymentID)
	s.Require().NoError(err)
	s.Equal(payments.StatusPending, p.Status)
	s.False(p.Processed)
	s.Require().Len(p.Items, 1)
	s.Equal(payments.EnrollmentItemID, p.Items[0].ItemID)

	req := s.gateway.Requests[0]
	s.Equal("42", req.Metadata[payments.MetaSubjectID])
	s.Equal("7", req.Metadata[payments.MetaPeriodID])
	s.Equal("enrollment", req.Metadata[payments.MetaKind])
	s.Equal("5.00", req.Metadata[payments.MetaAmount])

	_, err = s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)

	p, err = s.svc.GetStatus(s.ctx, res.PaymentID)
	s.Require().NoError(err)
	s.Equal(payments.StatusSucceeded, p.Status)
	s.True(p.Processed)
	s.NotNil(p.SucceededAt)

	_, err = s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{Kind: payments.KindEnrollment, PeriodID: 7})
	s.ErrorIs(err, payments.ErrConflict)
	s.Len(s.gateway.Requests, 1, "no gateway session for a conflicting request")
}

func (s *ServiceSuite) TestEnrollmentAllowedAfterFailure() {
	res := s.enroll(42, 7)
	s.Require().NoError(s.svc.ReconcileFailed(s.ctx, res.SessionID, "session expired"))

	again := s.enroll(42, 7)
	s.NotEqual(res.PaymentID, again.PaymentID)

	_, err := s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{Kind: payments.KindEnrollment, PeriodID: 8})
	s.NoError(err, "other periods are independent")
}

func (s *ServiceSuite) TestCourseAmountIsExactSum() {
	res, err := s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{
		PeriodID: 7,
		Courses: []payments.CourseItem{
			{CourseID: 11, Name: "Cálculo", UnitPrice: decimal.RequireFromString("10.10"), Quantity: 3},
			{CourseID: 12, UnitPrice: decimal.RequireFromString("0.20")},
		},
	})
	s.Require().NoError(err)
	s.Equal(payments.KindCourse, res.Kind)
	s.Equal("30.50", res.Amount.Amount())

	p, err := s.svc.GetStatusBySession(s.ctx, res.SessionID)
	s.Require().NoError(err)
	s.Require().Len(p.Items, 2)
	s.Equal(int64(3030), p.Items[0].Subtotal.AmountMinor)
	s.Equal("Curso 12", p.Items[1].Name)
	s.Equal(1, p.Items[1].Quantity)
	s.Equal([]payments.CourseRef{{CourseID: 11, Name: "Cálculo", Quantity: 3}, {CourseID: 12, Name: "Curso 12", Quantity: 1}}, p.Metadata.Courses)
}

func (s *ServiceSuite) TestCourseAmountOverflowIsRejected() {
	tests := []struct {
		name    string
		courses []payments.CourseItem
	}{
		{
			name: "subtotal wraps",
			courses: []payments.CourseItem{
				{CourseID: 1, UnitPrice: decimal.RequireFromString("46116860184273879.04"), Quantity: 4},
				{CourseID: 2, UnitPrice: decimal.RequireFromString("1.00"), Quantity: 1},
			},
		},
		{
			name: "sum wraps",
			courses: []payments.CourseItem{
				{CourseID: 1, UnitPrice: decimal.RequireFromString("92233720368547758.07")},
				{CourseID: 2, UnitPrice: decimal.RequireFromString("0.01")},
			},
		},
		{
			name:    "price beyond minor-unit range",
			courses: []payments.CourseItem{{CourseID: 1, UnitPrice: decimal.RequireFromString("1e30")}},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{PeriodID: 7, Courses: tt.courses})
			s.ErrorIs(err, payments.ErrInvalidArgument)
		})
	}

	s.Empty(s.gateway.Requests)
	history, err := s.svc.GetHistory(s.ctx, 42)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *ServiceSuite) TestCoursePaymentStaysUnprocessed() {
	res, err := s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{
		Kind:     payments.KindCourse,
		PeriodID: 7,
		Courses:  []payments.CourseItem{{CourseID: 5, UnitPrice: decimal.RequireFromString("20")}},
	})
	s.Require().NoError(err)

	p, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)
	s.Equal(payments.StatusSucceeded, p.Status)
	s.False(p.Processed)
}

func (s *ServiceSuite) TestCheckoutValidation() {
	price := decimal.RequireFromString("10")
	tests := []struct {
		name      string
		subjectID int64
		req       payments.CheckoutRequest
	}{
		{name: "no subject", subjectID: 0, req: payments.CheckoutRequest{Kind: payments.KindEnrollment, PeriodID: 7}},
		{name: "no period", subjectID: 42, req: payments.CheckoutRequest{Kind: payments.KindEnrollment}},
		{name: "no kind and no courses", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7}},
		{name: "course kind without courses", subjectID: 42, req: payments.CheckoutRequest{Kind: payments.KindCourse, PeriodID: 7}},
		{name: "unknown kind", subjectID: 42, req: payments.CheckoutRequest{Kind: "donation", PeriodID: 7}},
		{name: "zero amount", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7, Courses: []payments.CourseItem{{CourseID: 1, UnitPrice: decimal.Zero}}}},
		{name: "negative price", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7, Courses: []payments.CourseItem{{CourseID: 1, UnitPrice: decimal.RequireFromString("-1")}}}},
		{name: "sub-cent price", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7, Courses: []payments.CourseItem{{CourseID: 1, UnitPrice: decimal.RequireFromString("1.001")}}}},
		{name: "negative quantity", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7, Courses: []payments.CourseItem{{CourseID: 1, UnitPrice: price, Quantity: -2}}}},
		{name: "missing course id", subjectID: 42, req: payments.CheckoutRequest{PeriodID: 7, Courses: []payments.CourseItem{{UnitPrice: price}}}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.svc.CreateCheckoutSession(s.ctx, tt.subjectID, tt.req)
			s.ErrorIs(err, payments.ErrInvalidArgument)
		})
	}
	s.Empty(s.gateway.Requests)
}

func (s *ServiceSuite) TestGatewayFailureWritesNothing() {
	s.gateway.CreateErr = errors.New("gateway timeout")

	_, err := s.svc.CreateCheckoutSession(s.ctx, 42, payments.CheckoutRequest{Kind: payments.KindEnrollment, PeriodID: 7})
	s.Require().Error(err)

	history, err := s.svc.GetHistory(s.ctx, 42)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *ServiceSuite) TestReconcileSucceededIsIdempotent() {
	res := s.enroll(42, 7)

	first, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)
	second, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)

	s.Equal(first.SucceededAt, second.SucceededAt)
	s.Equal([]string{payments.EventTypeCheckoutCreated, payments.EventTypeSucceeded}, s.published.Types())
}

func (s *ServiceSuite) TestConcurrentSuccessNotifications() {
	res := s.enroll(42, 7)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
			s.NoError(err)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, typ := range s.published.Types() {
		if typ == payments.EventTypeSucceeded {
			succeeded++
		}
	}
	s.Equal(1, succeeded)
}

func (s *ServiceSuite) TestReconcileUnknownSession() {
	p, err := s.svc.ReconcileSucceeded(s.ctx, "cs_unknown")
	s.NoError(err)
	s.Nil(p)
	s.NoError(s.svc.ReconcileFailed(s.ctx, "cs_unknown", "session expired"))
}

func (s *ServiceSuite) TestReconcileFailed() {
	res := s.enroll(42, 7)

	reason := strings.Repeat("x", payments.MaxErrorMessageLen+50)
	s.Require().NoError(s.svc.ReconcileFailed(s.ctx, res.SessionID, reason))

	p, err := s.svc.GetStatus(s.ctx, res.PaymentID)
	s.Require().NoError(err)
	s.Equal(payments.StatusFailed, p.Status)
	s.Len(p.ErrorMessage, payments.MaxErrorMessageLen)
	s.False(p.Processed)
}

func (s *ServiceSuite) TestFailureOverwritesSuccessButKeepsProcessed() {
	res := s.enroll(42, 7)
	_, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)

	s.Require().NoError(s.svc.ReconcileFailed(s.ctx, res.SessionID, "disputed"))

	p, err := s.svc.GetStatus(s.ctx, res.PaymentID)
	s.Require().NoError(err)
	s.Equal(payments.StatusFailed, p.Status)
	s.Equal("disputed", p.ErrorMessage)
	s.True(p.Processed)
}

func (s *ServiceSuite) TestVerifyEnrollmentPaid() {
	s.False(s.svc.VerifyEnrollmentPaid(s.ctx, 42, 7).Paid)
	s.False(s.svc.VerifyEnrollmentPaid(s.ctx, 0, 0).Paid)

	res := s.enroll(42, 7)
	s.False(s.svc.VerifyEnrollmentPaid(s.ctx, 42, 7).Paid, "pending is not paid")

	_, err := s.svc.ReconcileSucceeded(s.ctx, res.SessionID)
	s.Require().NoError(err)

	status := s.svc.VerifyEnrollmentPaid(s.ctx, 42, 7)
	s.True(status.Paid)
	s.Equal(res.PaymentID, status.PaymentID)
	s.NotNil(status.PaidAt)
	s.Require().NotNil(status.Amount)
	s.Equal("5.00", status.Amount.Amount())
}

func (s *ServiceSuite) TestHistoryNewestFirst() {
	first := s.enroll(42, 7)
	second := s.enroll(42, 8)
	s.enroll(43, 7)

	history, err := s.svc.GetHistory(s.ctx, 42)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(second.PaymentID, history[0].ID)
	s.Equal(first.PaymentID, history[1].ID)
}

func (s *ServiceSuite) TestGetStatusNotFound() {
	_, err := s.svc.GetStatus(s.ctx, 999)
	s.ErrorIs(err, payments.ErrNotFound)
	_, err = s.svc.GetStatusBySession(s.ctx, "")
	s.ErrorIs(err, payments.ErrNotFound)
}

func TestMarkTransitions(t *testing.T) {
	p := &payments.Payment{Status: payments.StatusPending, Kind: payments.KindCourse}
	now := p.CreatedAt

	require.NoError(t, p.MarkSucceeded(now))
	assert.ErrorIs(t, p.MarkSucceeded(now), payments.ErrNoTransition)
	assert.False(t, p.Processed)

	require.NoError(t, p.MarkFailed("expired", now))
	assert.ErrorIs(t, p.MarkFailed("expired", now), payments.ErrNoTransition)
	assert.True(t, p.Status.IsTerminal())
}
