package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Authorization is a payment authorization obtained from the gateway before
// the user confirms the purchase.
type Authorization struct {
	ClientSecret string          `json:"client_secret"`
	IntentID     string          `json:"intent_id"`
	EventID      string          `json:"event_id"`
	Amount       decimal.Decimal `json:"amount"`
	PreparedAt   time.Time       `json:"prepared_at"`
}

// Charge is the gateway's view of a confirmed payment.
type Charge struct {
	Reference string          `json:"reference"`
	IntentID  string          `json:"intent_id"`
	EventID   string          `json:"event_id"`
	UserID    string          `json:"user_id"`
	Status    string          `json:"status"` // succeeded, pending, failed
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (c *Charge) Succeeded() bool {
	return c.Status == "succeeded"
}

// PurchaseReceipt is what the purchase endpoint returns.
type PurchaseReceipt struct {
	TicketID     string          `json:"ticket_id"`
	TicketNumber string          `json:"ticket_number"`
	QRPayload    string          `json:"qr_payload"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}
