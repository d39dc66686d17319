package status

import (
	"context"
	"errors"
)

var (
	ErrFailedPayment        = errors.New("payment: payment failed")
	ErrRefCodeNotFound      = errors.New("ref code: ref code not found")
	ErrPaymentNotConfirmed  = errors.New("payment: charge not confirmed")
	ErrPaymentRefMismatch   = errors.New("payment: reference bound to another purchase")
	ErrCapacityExceeded     = errors.New("ledger: capacity exceeded")
	ErrDuplicatePurchase    = errors.New("ledger: duplicate purchase")
	ErrEventEnded           = errors.New("ledger: event already started")
	ErrEventNotFound        = errors.New("ledger: event not found")
	ErrTicketNotFound       = errors.New("ledger: ticket not found")
	ErrNotOwner             = errors.New("transfer: caller does not own ticket")
	ErrNotTransferable      = errors.New("transfer: ticket is not transferable")
	ErrRecipientNotFound    = errors.New("transfer: recipient not found")
	ErrRecipientHasTicket   = errors.New("transfer: recipient already has a ticket for this event")
	ErrSelfTransfer         = errors.New("transfer: cannot transfer to yourself")
	ErrInvalidCode          = errors.New("scan: invalid code")
	ErrPermissionDenied     = errors.New("scan: permission denied")
	ErrNotAuthenticated     = errors.New("auth: not authenticated")
	ErrTransientNetwork     = errors.New("network: transient failure")
	ErrTimeout              = errors.New("network: timeout")
	ErrBookmarkNotFound     = errors.New("bookmark: not found")
	ErrInvalidEventArgument = errors.New("ledger: invalid event")
	ErrInvalidTransition    = errors.New("ledger: invalid status transition")
)

// Code returns the machine readable code clients switch on.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrDuplicatePurchase):
		return "duplicate_purchase"
	case errors.Is(err, ErrEventEnded):
		return "event_ended"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrTicketNotFound):
		return "ticket_not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotTransferable):
		return "not_transferable"
	case errors.Is(err, ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.Is(err, ErrRecipientHasTicket):
		return "recipient_already_has_ticket"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network_error"
	case errors.Is(err, ErrPaymentNotConfirmed), errors.Is(err, ErrFailedPayment):
		return "payment_not_confirmed"
	case errors.Is(err, ErrPaymentRefMismatch):
		return "payment_reference_mismatch"
	case errors.Is(err, ErrBookmarkNotFound):
		return "bookmark_not_found"
	case errors.Is(err, ErrInvalidEventArgument):
		return "invalid_event"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case IsCancelled(err):
		return "cancelled"
	}
	return "internal_error"
}

// IsCancelled reports a caller-side cancellation. It is not a failure and
// should never be surfaced as an alert.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransient reports whether err may succeed when retried with the same
// idempotency key.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

var byCode = map[string]error{
	"capacity_exceeded":            ErrCapacityExceeded,
	"duplicate_purchase":           ErrDuplicatePurchase,
	"event_ended":                  ErrEventEnded,
	"event_not_found":              ErrEventNotFound,
	"ticket_not_found":             ErrTicketNotFound,
	"not_owner":                    ErrNotOwner,
	"not_transferable":             ErrNotTransferable,
	"recipient_not_found":          ErrRecipientNotFound,
	"recipient_already_has_ticket": ErrRecipientHasTicket,
	"self_transfer":                ErrSelfTransfer,
	"invalid_code":                 ErrInvalidCode,
	"permission_denied":            ErrPermissionDenied,
	"not_authenticated":            ErrNotAuthenticated,
	"timeout":                      ErrTimeout,
	"transient_network_error":      ErrTransientNetwork,
	"payment_not_confirmed":        ErrPaymentNotConfirmed,
	"payment_reference_mismatch":   ErrPaymentRefMismatch,
	"bookmark_not_found":           ErrBookmarkNotFound,
	"invalid_event":                ErrInvalidEventArgument,
	"invalid_transition":           ErrInvalidTransition,
}

// FromCode is the inverse of Code for errors received over the wire. It
// returns nil for codes it does not know.
func FromCode(code string) error {
	return byCode[code]
}
