package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"venue-ticket/models"
)

func (c *Client) CreateIntent(ctx context.Context, eventID string) (*models.Authorization, error) {
	var auth models.Authorization
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments/intents", map[string]string{"event_id": eventID}, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

func (c *Client) CancelIntent(ctx context.Context, intentID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/payments/intents/"+url.PathEscape(intentID)+"/cancel", nil, nil)
}

// Purchase confirms paymentReference for eventID. It is safe to repeat: the
// server returns the ticket already issued for the reference.
func (c *Client) Purchase(ctx context.Context, eventID, paymentReference string) (*models.PurchaseReceipt, error) {
	var receipt models.PurchaseReceipt
	body := map[string]string{"event_id": eventID, "payment_reference": paymentReference}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tickets/purchase", body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) ListTickets(ctx context.Context) ([]*models.Ticket, error) {
	var out struct {
		Tickets []*models.Ticket `json:"tickets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tickets", nil, &out); err != nil {
		return nil, err
	}
	return out.Tickets, nil
}

func (c *Client) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := c.do(ctx, http.MethodGet, "/api/v1/tickets/"+url.PathEscape(ticketID), nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) Transfer(ctx context.Context, ticketID, recipientEmail string) (*models.Ticket, error) {
	var ticket models.Ticket
	body := map[string]string{"recipient_email": recipientEmail}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tickets/"+url.PathEscape(ticketID)+"/transfer", body, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) Scan(ctx context.Context, rawCode string) (models.ScanOutcome, error) {
	var outcome models.ScanOutcome
	err := c.do(ctx, http.MethodPost, "/api/v1/scan", map[string]string{"raw_code": rawCode}, &outcome)
	return outcome, err
}

func (c *Client) ListBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	var out struct {
		Bookmarks []*models.Bookmark `json:"bookmarks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/bookmarks", nil, &out); err != nil {
		return nil, err
	}
	return out.Bookmarks, nil
}

func (c *Client) AddBookmark(ctx context.Context, eventID string) (*models.Bookmark, error) {
	var bookmark models.Bookmark
	if err := c.do(ctx, http.MethodPost, "/api/v1/bookmarks", map[string]string{"event_id": eventID}, &bookmark); err != nil {
		return nil, err
	}
	return &bookmark, nil
}

func (c *Client) RemoveBookmark(ctx context.Context, eventID string) (*models.Bookmark, error) {
	var bookmark models.Bookmark
	if err := c.do(ctx, http.MethodDelete, "/api/v1/bookmarks/"+url.PathEscape(eventID), nil, &bookmark); err != nil {
		return nil, err
	}
	return &bookmark, nil
}
