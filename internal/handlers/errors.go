package handlers

import (
	"log/slog"
	"net/http"

	"venue-ticket/internal/status"

	"github.com/pocketbase/pocketbase/tools/router"
)

var codeStatus = map[string]int{
	"capacity_exceeded":            http.StatusConflict,
	"duplicate_purchase":           http.StatusConflict,
	"payment_reference_mismatch":   http.StatusConflict,
	"invalid_transition":           http.StatusConflict,
	"event_ended":                  http.StatusGone,
	"not_owner":                    http.StatusForbidden,
	"permission_denied":            http.StatusForbidden,
	"event_not_found":              http.StatusNotFound,
	"ticket_not_found":             http.StatusNotFound,
	"bookmark_not_found":           http.StatusNotFound,
	"not_transferable":             http.StatusUnprocessableEntity,
	"recipient_not_found":          http.StatusUnprocessableEntity,
	"recipient_already_has_ticket": http.StatusUnprocessableEntity,
	"self_transfer":                http.StatusUnprocessableEntity,
	"invalid_code":                 http.StatusUnprocessableEntity,
	"payment_not_confirmed":        http.StatusPaymentRequired,
	"invalid_event":                http.StatusBadRequest,
	"not_authenticated":            http.StatusUnauthorized,
	"timeout":                      http.StatusServiceUnavailable,
	"transient_network_error":      http.StatusServiceUnavailable,
	"cancelled":                    499,
}

var codeMessage = map[string]string{
	"capacity_exceeded":            "This event is sold out.",
	"duplicate_purchase":           "You already have a ticket for this event.",
	"payment_reference_mismatch":   "This payment belongs to another purchase.",
	"invalid_transition":           "The ticket can no longer be changed.",
	"event_ended":                  "Ticket sales for this event have closed.",
	"not_owner":                    "You do not own this ticket.",
	"permission_denied":            "You are not allowed to do this.",
	"event_not_found":              "Event not found.",
	"ticket_not_found":             "Ticket not found.",
	"bookmark_not_found":           "Bookmark not found.",
	"not_transferable":             "This ticket cannot be transferred.",
	"recipient_not_found":          "No account matches that recipient.",
	"recipient_already_has_ticket": "The recipient already has a ticket for this event.",
	"self_transfer":                "You cannot transfer a ticket to yourself.",
	"invalid_code":                 "The code could not be verified.",
	"payment_not_confirmed":        "The payment has not been confirmed.",
	"invalid_event":                "The event details are invalid.",
	"not_authenticated":            "Sign in to continue.",
	"timeout":                      "The request timed out, please retry.",
	"transient_network_error":      "A temporary problem occurred, please retry.",
	"cancelled":                    "Request cancelled.",
}

// toAPIError maps a domain error onto an API error whose data carries the
// machine readable code.
func toAPIError(err error) *router.ApiError {
	code := status.Code(err)
	httpStatus, ok := codeStatus[code]
	if !ok {
		slog.Error("unhandled request error", "error", err)
		apiErr := router.NewApiError(http.StatusInternalServerError, "Something went wrong.", nil)
		apiErr.Data = map[string]any{"code": code}
		return apiErr
	}

	apiErr := router.NewApiError(httpStatus, codeMessage[code], nil)
	apiErr.Data = map[string]any{"code": code}
	return apiErr
}
