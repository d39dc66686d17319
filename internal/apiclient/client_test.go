package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"venue-ticket/internal/status"
	"venue-ticket/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"status":  code,
		"message": "rejected",
		"data":    map[string]string{"code": errCode},
	})
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, append([]Option{WithToken("token-1")}, opts...)...)
}

func TestClient_Purchase(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tickets/purchase", r.URL.Path)
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "event-1", body["event_id"])
		assert.Equal(t, "ch_1", body["payment_reference"])

		writeJSON(w, http.StatusOK, models.PurchaseReceipt{
			TicketID: "t-1", TicketNumber: "TKT-1", QRPayload: "qr", TotalPrice: decimal.NewFromInt(25),
		})
	})

	receipt, err := c.Purchase(context.Background(), "event-1", "ch_1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", receipt.TicketID)
	assert.True(t, receipt.TotalPrice.Equal(decimal.NewFromInt(25)))
}

func TestClient_ErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"sold out", http.StatusConflict, "capacity_exceeded", status.ErrCapacityExceeded},
		{"duplicate", http.StatusConflict, "duplicate_purchase", status.ErrDuplicatePurchase},
		{"ended", http.StatusGone, "event_ended", status.ErrEventEnded},
		{"not owner", http.StatusForbidden, "not_owner", status.ErrNotOwner},
		{"recipient", http.StatusUnprocessableEntity, "recipient_already_has_ticket", status.ErrRecipientHasTicket},
		{"unauthorized without code", http.StatusUnauthorized, "", status.ErrNotAuthenticated},
		{"throttled", http.StatusTooManyRequests, "", status.ErrTransientNetwork},
		{"server error", http.StatusBadGateway, "", status.ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.status, tt.code)
			})

			_, err := c.Transfer(context.Background(), "t-1", "bob@example.com")
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestClient_UnknownErrorIsNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("not json"))
	})

	_, err := c.AddBookmark(context.Background(), "event-1")
	require.Error(t, err)
	assert.False(t, status.IsTransient(err))
}

func TestClient_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, WithTimeout(50*time.Millisecond))

	_, err := c.ListTickets(context.Background())
	assert.ErrorIs(t, err, status.ErrTimeout)
	assert.True(t, status.IsTransient(err))
}

func TestClient_Cancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.ListBookmarks(ctx)
	assert.True(t, status.IsCancelled(err))
	assert.False(t, status.IsTransient(err))
}

func TestClient_Tokens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"tickets": []any{}})
	}))
	defer srv.Close()

	now := time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "user-1",
		"exp": now.Add(-time.Minute).Unix(),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	fresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "user-1",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	c := New(srv.URL, withClock(func() time.Time { return now }))
	_, err = c.ListTickets(context.Background())
	assert.ErrorIs(t, err, status.ErrNotAuthenticated)

	c.SetToken(expired)
	_, err = c.ListTickets(context.Background())
	assert.ErrorIs(t, err, status.ErrNotAuthenticated)
	assert.Zero(t, calls.Load(), "expired sessions never reach the server")

	c.SetToken(fresh)
	tickets, err := c.ListTickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tickets)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Scan(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "raw", body["raw_code"])
		writeJSON(w, http.StatusOK, models.ScanOutcome{Outcome: models.ScanAlreadyUsed, ScannedBy: "door-1"})
	})

	outcome, err := c.Scan(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, models.ScanAlreadyUsed, outcome.Outcome)
	assert.Equal(t, "door-1", outcome.ScannedBy)
}
