package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unipay/internal/common/logging"
	"unipay/internal/common/middleware"
	"unipay/internal/common/money"
	"unipay/internal/payments"
	"unipay/internal/payments/api"
	"unipay/internal/payments/paymentstest"
)

const secret = "test-secret"

type fixture struct {
	router  http.Handler
	store   *paymentstest.MemoryStore
	gateway *paymentstest.Gateway
	svc     *payments.Service
}

func newFixture(t *testing.T, verifyLimit int) *fixture {
	t.Helper()
	store := paymentstest.NewMemoryStore()
	gateway := paymentstest.NewGateway()
	svc := payments.NewService(store, gateway, &paymentstest.Recorder{}, payments.Config{
		EnrollmentFee: money.New(500, money.PEN),
		SuccessURL:    "http://localhost:5173/estudiante/pago-exitoso?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     "http://localhost:5173/pago-cancelado",
	}, logging.Discard())

	auth := middleware.NewAuthenticator(secret, "", "")
	limiter := middleware.NewFixedWindowLimiter(verifyLimit, time.Minute)

	r := chi.NewRouter()
	r.Mount("/payments", api.NewHandler(svc, logging.Discard()).Routes(
		auth.Authenticate,
		middleware.RateLimit(limiter, middleware.ClientIP),
	))
	return &fixture{router: r, store: store, gateway: gateway, svc: svc}
}

func bearer(t *testing.T, subjectID int64) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subjectID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *fixture) do(t *testing.T, method, path, body string, subjectID int64) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if subjectID > 0 {
		req.Header.Set("Authorization", bearer(t, subjectID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env
}

func TestCheckoutEnrollment(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 7}`, 42)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res struct {
		PaymentID   int64  `json:"payment_id"`
		SessionID   string `json:"session_id"`
		RedirectURL string `json:"redirect_url"`
		Total       struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"total"`
		Kind string `json:"kind"`
	}
	decode(t, rec, &res)
	assert.Equal(t, int64(1001), res.PaymentID)
	assert.Equal(t, "5.00", res.Total.Amount)
	assert.Equal(t, "PEN", res.Total.Currency)
	assert.Equal(t, "enrollment", res.Kind)
	assert.Equal(t, "https://checkout.test/"+res.SessionID, res.RedirectURL)

	_, err := f.svc.ReconcileSucceeded(context.Background(), res.SessionID)
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 7}`, 42)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decode(t, rec, nil).Error.Code)
}

func TestCheckoutCourses(t *testing.T) {
	f := newFixture(t, 10)

	body := `{"period_id": 7, "courses": [
		{"course_id": 11, "name": "Cálculo I", "unit_price": "120.50", "quantity": 1},
		{"course_id": 12, "unit_price": 80, "quantity": 2}
	]}`
	rec := f.do(t, http.MethodPost, "/payments/checkout/courses", body, 42)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res struct {
		PaymentID int64 `json:"payment_id"`
		Total     struct {
			Amount string `json:"amount"`
		} `json:"total"`
	}
	decode(t, rec, &res)
	assert.Equal(t, "280.50", res.Total.Amount)

	p, err := f.svc.GetStatus(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "Curso 12", p.Items[1].Name)
}

func TestCheckoutRejections(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "malformed json", path: "/payments/checkout/enrollment", body: `{"period_id":`, status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "missing period", path: "/payments/checkout/enrollment", body: `{}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "no courses", path: "/payments/checkout/courses", body: `{"period_id": 7, "courses": []}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "course without id", path: "/payments/checkout/courses", body: `{"period_id": 7, "courses": [{"unit_price": "10"}]}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "zero total", path: "/payments/checkout/courses", body: `{"period_id": 7, "courses": [{"course_id": 1, "unit_price": "0"}]}`, status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "fractional cents", path: "/payments/checkout/courses", body: `{"period_id": 7, "courses": [{"course_id": 1, "unit_price": "1.005"}]}`, status: http.StatusBadRequest, code: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body, 42)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode(t, rec, nil).Error.Code)
		})
	}
	assert.Empty(t, f.gateway.Requests)
}

func TestRequiresAuthentication(t *testing.T) {
	f := newFixture(t, 10)

	for _, path := range []string{"/payments/history", "/payments/1001", "/payments/sessions/cs_test_1", "/payments/enrollment/7/verify"} {
		rec := f.do(t, http.MethodGet, path, "", 0)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 7}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentLookupsAreOwnerScoped(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 7}`, 42)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		PaymentID int64  `json:"payment_id"`
		SessionID string `json:"session_id"`
	}
	decode(t, rec, &created)

	var p struct {
		ID        int64  `json:"id"`
		Status    string `json:"status"`
		Kind      string `json:"kind"`
		Processed bool   `json:"processed"`
		Items     []struct {
			Name string `json:"name"`
		} `json:"items"`
	}
	rec = f.do(t, http.MethodGet, "/payments/1001", "", 42)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &p)
	assert.Equal(t, "pending", p.Status)
	assert.Equal(t, "enrollment", p.Kind)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "Matrícula", p.Items[0].Name)

	rec = f.do(t, http.MethodGet, "/payments/sessions/"+created.SessionID, "", 42)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &p)
	assert.Equal(t, created.PaymentID, p.ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/payments/1001", "", 43).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/payments/sessions/"+created.SessionID, "", 43).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/payments/9999", "", 42).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/payments/abc", "", 42).Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/payments/history", "", 42)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec, nil).Error)

	f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 7}`, 42)
	f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 8}`, 42)
	f.do(t, http.MethodPost, "/payments/checkout/enrollment", `{"period_id": 8}`, 43)

	var list []struct {
		PeriodID int64 `json:"period_id"`
	}
	rec = f.do(t, http.MethodGet, "/payments/history", "", 42)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Len(t, list, 2)
}

func TestVerifyEnrollment(t *testing.T) {
	f := newFixture(t, 10)

	type status struct {
		Paid      bool  `json:"paid"`
		PaymentID int64 `json:"payment_id"`
		Total     *struct {
			Amount string `json:"amount"`
		} `json:"total"`
	}

	var st status
	rec := f.do(t, http.MethodGet, "/payments/enrollment/42/7/verify", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.False(t, st.Paid)
	assert.Nil(t, st.Total)

	res, err := f.svc.CreateCheckoutSession(context.Background(), 42, payments.CheckoutRequest{Kind: payments.KindEnrollment, PeriodID: 7})
	require.NoError(t, err)
	_, err = f.svc.ReconcileSucceeded(context.Background(), res.SessionID)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/payments/enrollment/42/7/verify", "", 0)
	decode(t, rec, &st)
	assert.True(t, st.Paid)
	assert.Equal(t, res.PaymentID, st.PaymentID)
	require.NotNil(t, st.Total)
	assert.Equal(t, "5.00", st.Total.Amount)

	st = status{}
	rec = f.do(t, http.MethodGet, "/payments/enrollment/7/verify", "", 42)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.True(t, st.Paid)

	st = status{}
	rec = f.do(t, http.MethodGet, "/payments/enrollment/7/verify", "", 43)
	decode(t, rec, &st)
	assert.False(t, st.Paid)

	st = status{Paid: true}
	rec = f.do(t, http.MethodGet, "/payments/enrollment/abc/7/verify", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.False(t, st.Paid)
}

func TestAnonymousVerifyIsRateLimited(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/payments/enrollment/42/7/verify", "", 0).Code)
	}
	rec := f.do(t, http.MethodGet, "/payments/enrollment/42/7/verify", "", 0)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The authenticated variant is not limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/payments/enrollment/7/verify", "", 42).Code)
}
