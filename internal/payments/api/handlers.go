package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"unipay/internal/common/api"
	"unipay/internal/common/middleware"
	"unipay/internal/payments"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payments.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes. authenticate guards the caller-scoped
// routes; limit guards the anonymous verification route.
func (h *Handler) Routes(authenticate, limit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(limit).Get("/enrollment/{subjectID}/{periodID}/verify", h.VerifyEnrollment)

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Post("/checkout/enrollment", h.CheckoutEnrollment)
		r.Post("/checkout/courses", h.CheckoutCourses)
		r.Get("/history", h.GetHistory)
		r.Get("/sessions/{sessionID}", h.GetPaymentBySession)
		r.Get("/enrollment/{periodID}/verify", h.VerifyOwnEnrollment)
		r.Get("/{paymentID}", h.GetPayment)
	})

	return r
}

// EnrollmentCheckoutRequest is the API request for paying the enrollment fee
type EnrollmentCheckoutRequest struct {
	PeriodID int64 `json:"period_id" validate:"required,gt=0"`
}

// CourseCheckoutRequest is the API request for paying for courses
type CourseCheckoutRequest struct {
	PeriodID int64           `json:"period_id" validate:"required,gt=0"`
	Courses  []CourseRequest `json:"courses" validate:"required,min=1,max=50,dive"`
}

// CourseRequest is one course in a course checkout. UnitPrice accepts a JSON
// number or string in major units.
type CourseRequest struct {
	CourseID  int64           `json:"course_id" validate:"required,gt=0"`
	Name      string          `json:"name" validate:"max=200"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity" validate:"gte=0,lte=100"`
}

// CheckoutEnrollment handles POST /checkout/enrollment
func (h *Handler) CheckoutEnrollment(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentCheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.CreateCheckoutSession(r.Context(), middleware.GetSubjectID(r.Context()), payments.CheckoutRequest{
		Kind:     payments.KindEnrollment,
		PeriodID: req.PeriodID,
	})
	if err != nil {
		h.writeError(w, r, err, "failed to create checkout session")
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// CheckoutCourses handles POST /checkout/courses
func (h *Handler) CheckoutCourses(w http.ResponseWriter, r *http.Request) {
	var req CourseCheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	courses := make([]payments.CourseItem, len(req.Courses))
	for i, c := range req.Courses {
		courses[i] = payments.CourseItem{
			CourseID:  c.CourseID,
			Name:      c.Name,
			UnitPrice: c.UnitPrice,
			Quantity:  c.Quantity,
		}
	}

	result, err := h.service.CreateCheckoutSession(r.Context(), middleware.GetSubjectID(r.Context()), payments.CheckoutRequest{
		Kind:     payments.KindCourse,
		PeriodID: req.PeriodID,
		Courses:  courses,
	})
	if err != nil {
		h.writeError(w, r, err, "failed to create checkout session")
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// GetPayment handles GET /{paymentID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathInt64(r, "paymentID")
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	p, err := h.service.GetStatus(r.Context(), id)
	if err == nil && p.SubjectID != middleware.GetSubjectID(r.Context()) {
		err = payments.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// GetPaymentBySession handles GET /sessions/{sessionID}
func (h *Handler) GetPaymentBySession(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetStatusBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err == nil && p.SubjectID != middleware.GetSubjectID(r.Context()) {
		err = payments.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// GetHistory handles GET /history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetHistory(r.Context(), middleware.GetSubjectID(r.Context()))
	if err != nil {
		h.writeError(w, r, err, "failed to list payments")
		return
	}

	api.WriteData(w, http.StatusOK, list)
}

// VerifyOwnEnrollment handles GET /enrollment/{periodID}/verify
func (h *Handler) VerifyOwnEnrollment(w http.ResponseWriter, r *http.Request) {
	periodID, err := api.PathInt64(r, "periodID")
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	status := h.service.VerifyEnrollmentPaid(r.Context(), middleware.GetSubjectID(r.Context()), periodID)
	api.WriteData(w, http.StatusOK, status)
}

// VerifyEnrollment handles GET /enrollment/{subjectID}/{periodID}/verify.
// Malformed ids answer "not paid" like any other miss.
func (h *Handler) VerifyEnrollment(w http.ResponseWriter, r *http.Request) {
	subjectID, _ := api.PathInt64(r, "subjectID")
	periodID, _ := api.PathInt64(r, "periodID")

	status := h.service.VerifyEnrollmentPaid(r.Context(), subjectID, periodID)
	api.WriteData(w, http.StatusOK, status)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, payments.ErrInvalidArgument):
		api.BadRequest(w, err.Error())
	case errors.Is(err, payments.ErrConflict):
		api.Conflict(w, err.Error())
	case errors.Is(err, payments.ErrNotFound):
		api.NotFound(w, "payment not found")
	default:
		h.logger.Error(message,
			"error", err,
			"subject_id", middleware.GetSubjectID(r.Context()),
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, message)
	}
}
