package webhooks

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"unipay/internal/common/api"
)

const (
	// SignatureHeader carries the gateway's notification signature.
	SignatureHeader = "Stripe-Signature"

	maxBodyBytes = 64 << 10
)

// Handler handles gateway notification callbacks.
type Handler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler creates a new notification handler.
func NewHandler(dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, logger: logger}
}

// ServeHTTP handles POST notifications.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		api.WriteError(w, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("notification body too large", "limit", tooLarge.Limit)
			api.WriteError(w, http.StatusRequestEntityTooLarge, api.ErrCodeBadRequest, "payload too large")
			return
		}
		h.logger.Error("failed to read notification body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}

	err = h.dispatcher.Dispatch(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrUnauthenticated):
		api.Unauthorized(w, "invalid signature")
	case err != nil:
		api.InternalError(w, "notification processing failed")
	default:
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
