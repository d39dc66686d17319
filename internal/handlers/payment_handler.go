package handlers

import (
	"log/slog"
	"net/http"

	"venue-ticket/internal/services"
	"venue-ticket/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type PaymentHandler struct {
	payments *services.PaymentService
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// CreateIntent authorizes the event price with the gateway and hands the
// client secret back for the payment sheet.
func (h *PaymentHandler) CreateIntent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	var body struct {
		EventID string `json:"event_id"`
	}
	if err := e.BindBody(&body); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if body.EventID == "" {
		return apis.NewBadRequestError("event_id is required", nil)
	}

	auth, err := h.payments.CreateIntent(e.Request.Context(), e.Auth.Id, body.EventID)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, auth)
}

func (h *PaymentHandler) CancelIntent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	intentID := e.Request.PathValue("intentId")
	if err := h.payments.CancelIntent(e.Request.Context(), intentID); err != nil {
		slog.Warn("intent cancel failed", "intent_id", intentID, "error", err)
		return toAPIError(err)
	}
	return e.NoContent(http.StatusNoContent)
}
