// Package gateway talks to the card payment gateway: it creates and cancels
// payment intents and reads back confirmed charges. Requests carry an HMAC
// SignedHash header and a bearer token that is refreshed in the background.
package gateway

import (
	"context"
	"fmt"
	"time"

	"venue-ticket/models"

	"github.com/shopspring/decimal"
)

type Gateway struct {
	client *client
	now    func() time.Time
}

// New connects to the gateway and starts the token refresher, which stops
// when ctx is cancelled.
func New(ctx context.Context, cfg *Config) (*Gateway, error) {
	c := newClient(cfg)

	token, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.setAccessToken(token)

	go c.refreshAccessToken(ctx)

	return &Gateway{client: c, now: time.Now}, nil
}

type intentPayload struct {
	IntentID     string          `json:"intentId"`
	ClientSecret string          `json:"clientSecret"`
	Amount       decimal.Decimal `json:"amount"`
}

// CreateIntent reserves an authorization for amount on behalf of userID.
func (g *Gateway) CreateIntent(ctx context.Context, eventID, userID string, amount decimal.Decimal) (*models.Authorization, error) {
	var reply intentPayload
	err := g.client.call(ctx, "/v1/intents", map[string]any{
		"amount":   amount,
		"currency": "USD",
		"metadata": map[string]string{"event_id": eventID, "user_id": userID},
	}, &reply)
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	return &models.Authorization{
		ClientSecret: reply.ClientSecret,
		IntentID:     reply.IntentID,
		EventID:      eventID,
		Amount:       reply.Amount,
		PreparedAt:   g.now(),
	}, nil
}

// CancelIntent releases an unused authorization.
func (g *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	if err := g.client.call(ctx, "/v1/intents/cancel", map[string]any{"intentId": intentID}, nil); err != nil {
		return fmt.Errorf("cancel intent %s: %w", intentID, err)
	}
	return nil
}

type chargePayload struct {
	Reference string            `json:"reference"`
	IntentID  string            `json:"intentId"`
	Status    string            `json:"status"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

// RetrieveCharge looks up the charge behind a payment reference. Unknown
// references fail with status.ErrRefCodeNotFound.
func (g *Gateway) RetrieveCharge(ctx context.Context, reference string) (*models.Charge, error) {
	var reply chargePayload
	if err := g.client.call(ctx, "/v1/charges/retrieve", map[string]any{"reference": reference}, &reply); err != nil {
		return nil, fmt.Errorf("retrieve charge: %w", err)
	}

	return &models.Charge{
		Reference: reply.Reference,
		IntentID:  reply.IntentID,
		EventID:   reply.Metadata["event_id"],
		UserID:    reply.Metadata["user_id"],
		Status:    reply.Status,
		Amount:    reply.Amount,
		Currency:  reply.Currency,
	}, nil
}
