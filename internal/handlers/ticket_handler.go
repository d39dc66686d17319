package handlers

import (
	"errors"
	"net/http"
	"strings"

	"venue-ticket/internal/services"
	"venue-ticket/internal/status"
	"venue-ticket/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type TicketHandler struct {
	ledger   *services.LedgerService
	payments *services.PaymentService
}

func NewTicketHandler(ledger *services.LedgerService, payments *services.PaymentService) *TicketHandler {
	return &TicketHandler{
		ledger:   ledger,
		payments: payments,
	}
}

type purchaseBody struct {
	EventID          string `json:"event_id"`
	PaymentReference string `json:"payment_reference"`
}

// Purchase confirms a gateway charge and issues the ticket. Replaying the
// same payment reference returns the ticket issued the first time.
func (h *TicketHandler) Purchase(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	var body purchaseBody
	if err := e.BindBody(&body); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if body.EventID == "" {
		return apis.NewBadRequestError("event_id is required", nil)
	}

	receipt, err := h.payments.ConfirmPurchase(e.Request.Context(), e.Auth.Id, body.EventID, strings.TrimSpace(body.PaymentReference))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, receipt)
}

func (h *TicketHandler) List(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	tickets, err := h.ledger.ListTicketsByOwner(e.Request.Context(), e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"tickets": tickets,
		"total":   len(tickets),
	})
}

// Get returns a ticket to its owner. Tickets of other users are reported as
// missing rather than forbidden.
func (h *TicketHandler) Get(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	ticket, err := h.ledger.GetTicket(e.Request.Context(), e.Request.PathValue("ticketId"))
	if err != nil {
		return toAPIError(err)
	}
	if ticket.OwnerUserID != e.Auth.Id {
		return toAPIError(status.ErrTicketNotFound)
	}
	return e.JSON(http.StatusOK, ticket)
}

type transferBody struct {
	RecipientEmail string `json:"recipient_email"`
	Recipient      string `json:"recipient"`
}

func (h *TicketHandler) Transfer(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	var body transferBody
	if err := e.BindBody(&body); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	recipient := strings.TrimSpace(body.RecipientEmail)
	if recipient == "" {
		recipient = strings.TrimSpace(body.Recipient)
	}
	if recipient == "" {
		return toAPIError(status.ErrRecipientNotFound)
	}

	ticket, err := h.ledger.Transfer(e.Request.Context(), models.TransferRequest{
		TicketID:   e.Request.PathValue("ticketId"),
		FromUserID: e.Auth.Id,
		Recipient:  recipient,
	})
	if errors.Is(err, status.ErrTicketNotFound) {
		return toAPIError(status.ErrNotOwner)
	}
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, ticket)
}
