package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"venue-ticket/internal/services"
	"venue-ticket/internal/status"
	"venue-ticket/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// AdminHandler serves venue administration. Every action is gated on a
// grant that manages the venue of the event involved.
type AdminHandler struct {
	ledger *services.LedgerService
	grants *services.GrantService
}

func NewAdminHandler(ledger *services.LedgerService, grants *services.GrantService) *AdminHandler {
	return &AdminHandler{
		ledger: ledger,
		grants: grants,
	}
}

func (h *AdminHandler) requireManager(ctx context.Context, userID, venueID string) error {
	ok, err := h.grants.CanManage(ctx, userID, venueID)
	if err != nil {
		return err
	}
	if !ok {
		return status.ErrPermissionDenied
	}
	return nil
}

func (h *AdminHandler) requireTicketManager(ctx context.Context, userID, ticketID string) error {
	placement, err := h.ledger.TicketVenue(ctx, ticketID)
	if err != nil {
		return err
	}
	return h.requireManager(ctx, userID, placement.VenueID)
}

func (h *AdminHandler) CreateEvent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}
	ctx := e.Request.Context()

	var req models.CreateEventRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if err := h.requireManager(ctx, e.Auth.Id, req.VenueID); err != nil {
		return toAPIError(err)
	}

	event, err := h.ledger.CreateEvent(ctx, req)
	if err != nil {
		return toAPIError(err)
	}
	slog.Info("event created", "event_id", event.ID, "venue_id", event.VenueID, "by", e.Auth.Id)
	return e.JSON(http.StatusCreated, event)
}

func (h *AdminHandler) GetEvent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}
	ctx := e.Request.Context()

	event, err := h.ledger.GetEvent(ctx, e.Request.PathValue("eventId"))
	if err != nil {
		return toAPIError(err)
	}
	if err := h.requireManager(ctx, e.Auth.Id, event.VenueID); err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event":     event,
		"remaining": event.Remaining(),
	})
}

// CancelTicket voids a confirmed ticket. The seat is not returned to sale.
func (h *AdminHandler) CancelTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}
	ctx := e.Request.Context()
	ticketID := e.Request.PathValue("ticketId")

	if err := h.requireTicketManager(ctx, e.Auth.Id, ticketID); err != nil {
		return toAPIError(err)
	}

	ticket, err := h.ledger.Cancel(ctx, ticketID)
	if err != nil {
		return toAPIError(err)
	}
	slog.Info("ticket cancelled", "ticket_id", ticketID, "by", e.Auth.Id)
	return e.JSON(http.StatusOK, ticket)
}

func (h *AdminHandler) TransferHistory(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}
	ctx := e.Request.Context()
	ticketID := e.Request.PathValue("ticketId")

	if err := h.requireTicketManager(ctx, e.Auth.Id, ticketID); err != nil {
		return toAPIError(err)
	}

	transfers, err := h.ledger.TransferHistory(ctx, ticketID)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"transfers": transfers})
}
