package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"unipay/internal/common/api"
	"unipay/internal/common/middleware"
	"unipay/internal/receipts"
)

// Handler handles receipt HTTP requests. Every route expects an
// authenticated subject in the request context.
type Handler struct {
	service *receipts.Service
	logger  *slog.Logger
}

func NewHandler(service *receipts.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the receipt routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListReceipts)
	r.Get("/sessions/{sessionID}", h.GetReceiptBySession)
	r.Get("/{code}", h.GetReceiptByCode)

	return r
}

// ListReceipts handles GET /
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListForSubject(r.Context(), middleware.GetSubjectID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, list)
}

// GetReceiptBySession handles GET /sessions/{sessionID}
func (h *Handler) GetReceiptBySession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetBySession(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetSubjectID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, rec)
}

// GetReceiptByCode handles GET /{code}
func (h *Handler) GetReceiptByCode(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetByCode(r.Context(), chi.URLParam(r, "code"), middleware.GetSubjectID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, rec)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, receipts.ErrNotFound) {
		api.NotFound(w, "receipt not found")
		return
	}
	h.logger.Error("receipt lookup failed",
		"error", err,
		"path", r.URL.Path,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
	)
	api.InternalError(w, "failed to load receipt")
}
