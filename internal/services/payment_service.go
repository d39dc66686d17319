package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"venue-ticket/internal/status"
	"venue-ticket/models"
	"venue-ticket/utils"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the opaque charge capability purchases depend on.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, eventID, userID string, amount decimal.Decimal) (*models.Authorization, error)
	CancelIntent(ctx context.Context, intentID string) error
	RetrieveCharge(ctx context.Context, reference string) (*models.Charge, error)
}

// PaymentService turns gateway confirmations into tickets. A ticket is only
// issued after the gateway reports the referenced charge as succeeded.
type PaymentService struct {
	gateway PaymentGateway
	ledger  *LedgerService
}

func NewPaymentService(gateway PaymentGateway, ledger *LedgerService) *PaymentService {
	return &PaymentService{gateway: gateway, ledger: ledger}
}

// CreateIntent authorizes the event price for userID. Sold out and started
// events are refused before the gateway is involved.
func (s *PaymentService) CreateIntent(ctx context.Context, userID, eventID string) (*models.Authorization, error) {
	event, err := s.ledger.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Remaining() == 0 {
		return nil, status.ErrCapacityExceeded
	}
	if !s.ledger.now().Before(event.StartTime) {
		return nil, status.ErrEventEnded
	}

	auth, err := s.gateway.CreateIntent(ctx, eventID, userID, event.Price)
	if err != nil {
		return nil, err
	}
	slog.Info("payment intent created", "intent_id", auth.IntentID, "event_id", eventID, "user_id", userID, "amount", auth.Amount.String())
	return auth, nil
}

func (s *PaymentService) CancelIntent(ctx context.Context, intentID string) error {
	return s.gateway.CancelIntent(ctx, intentID)
}

// ConfirmPurchase verifies the charge behind paymentReference and issues the
// ticket. Calling it again with the same reference returns the same ticket.
func (s *PaymentService) ConfirmPurchase(ctx context.Context, userID, eventID, paymentReference string) (*models.PurchaseReceipt, error) {
	if paymentReference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", status.ErrPaymentNotConfirmed)
	}

	charge, err := s.gateway.RetrieveCharge(ctx, paymentReference)
	if errors.Is(err, status.ErrRefCodeNotFound) {
		return nil, fmt.Errorf("%w: %w", status.ErrPaymentNotConfirmed, err)
	}
	if err != nil {
		return nil, err
	}
	if !charge.Succeeded() {
		return nil, fmt.Errorf("%w: charge %s is %s", status.ErrPaymentNotConfirmed, paymentReference, charge.Status)
	}
	if charge.EventID != "" && charge.EventID != eventID {
		return nil, status.ErrPaymentRefMismatch
	}
	// A reference paid by someone else must not issue a ticket to the caller.
	if charge.UserID != "" && charge.UserID != userID {
		slog.Warn("payment reference claimed by another user", "reference", paymentReference, "user_id", userID)
		return nil, status.ErrPaymentRefMismatch
	}

	ticket, err := s.ledger.Purchase(ctx, models.PurchaseRequest{
		EventID:          eventID,
		UserID:           userID,
		PaymentReference: paymentReference,
	})
	if err != nil {
		return nil, err
	}

	return &models.PurchaseReceipt{
		TicketID:     ticket.ID,
		TicketNumber: ticket.TicketNumber,
		QRPayload:    ticket.QRPayload,
		TotalPrice:   ticket.TotalPrice,
	}, nil
}

// SimulatedGateway approves every charge. Development only.
type SimulatedGateway struct{}

func (SimulatedGateway) CreateIntent(_ context.Context, eventID, _ string, amount decimal.Decimal) (*models.Authorization, error) {
	code, err := utils.GenerateCode(8)
	if err != nil {
		return nil, err
	}
	return &models.Authorization{
		ClientSecret: "pi_sim_" + code + "_secret",
		IntentID:     "pi_sim_" + code,
		EventID:      eventID,
		Amount:       amount,
		PreparedAt:   time.Now(),
	}, nil
}

func (SimulatedGateway) CancelIntent(context.Context, string) error { return nil }

func (SimulatedGateway) RetrieveCharge(_ context.Context, reference string) (*models.Charge, error) {
	return &models.Charge{Reference: reference, Status: "succeeded", Currency: "USD"}, nil
}
