package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketConfirmed   TicketStatus = "confirmed"
	TicketUsed        TicketStatus = "used"
	TicketCancelled   TicketStatus = "cancelled"
	TicketTransferred TicketStatus = "transferred"
)

// IsTerminal reports whether no further transition may leave this status.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketUsed || s == TicketCancelled || s == TicketTransferred
}

type Ticket struct {
	ID                    string          `json:"id"`
	EventID               string          `json:"event_id"`
	OwnerUserID           string          `json:"owner_user_id"`
	PurchaserUserID       string          `json:"purchaser_user_id"`
	TicketNumber          string          `json:"ticket_number"`
	Status                TicketStatus    `json:"status"`
	QRPayload             string          `json:"qr_payload"`
	TotalPrice            decimal.Decimal `json:"total_price"`
	PaymentReference      string          `json:"payment_reference,omitempty"`
	PurchasedAt           time.Time       `json:"purchased_at"`
	UsedAt                *time.Time      `json:"used_at,omitempty"`
	ScannedByUserID       string          `json:"scanned_by_user_id,omitempty"`
	TransferredFromUserID string          `json:"transferred_from_user_id,omitempty"`
	TransferredAt         *time.Time      `json:"transferred_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// TicketTransfer is the audit trail row written for every ownership change.
type TicketTransfer struct {
	ID            string    `json:"id"`
	TicketID      string    `json:"ticket_id"`
	FromUserID    string    `json:"from_user_id"`
	ToUserID      string    `json:"to_user_id"`
	TransferredAt time.Time `json:"transferred_at"`
}

// TicketSummary is the part of a ticket shown on the scanner screen.
type TicketSummary struct {
	TicketID     string       `json:"ticket_id"`
	TicketNumber string       `json:"ticket_number"`
	EventID      string       `json:"event_id"`
	OwnerUserID  string       `json:"owner_user_id"`
	Status       TicketStatus `json:"status"`
}

func (t *Ticket) Summary() *TicketSummary {
	return &TicketSummary{
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		EventID:      t.EventID,
		OwnerUserID:  t.OwnerUserID,
		Status:       t.Status,
	}
}

type ScanResult string

const (
	ScanSuccess     ScanResult = "success"
	ScanAlreadyUsed ScanResult = "already_used"
	ScanCancelled   ScanResult = "cancelled"
	ScanWrongVenue  ScanResult = "wrong_venue"
	ScanWrongDay    ScanResult = "wrong_day"
	ScanInvalidCode ScanResult = "invalid_code"
)

// ScanOutcome is returned for every scan attempt. Expected races such as a
// second scan of the same code are outcomes, not errors.
type ScanOutcome struct {
	Outcome   ScanResult     `json:"outcome"`
	Message   string         `json:"message,omitempty"`
	Ticket    *TicketSummary `json:"ticket,omitempty"`
	ScannedBy string         `json:"scanned_by,omitempty"`
	UsedAt    *time.Time     `json:"used_at,omitempty"`
	Legacy    bool           `json:"legacy,omitempty"`
}

type PurchaseRequest struct {
	EventID          string `json:"event_id"`
	UserID           string `json:"user_id"`
	PaymentReference string `json:"payment_reference"`
}

type TransferRequest struct {
	TicketID   string `json:"ticket_id"`
	FromUserID string `json:"from_user_id"`
	// Recipient is an account email or user id.
	Recipient  string `json:"recipient"`
}
