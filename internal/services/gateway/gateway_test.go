package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"venue-ticket/internal/status"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHMACKey = "gateway-hmac"

type fakeGateway struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	calls    atomic.Int32
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	body, err := io.ReadAll(r.Body)
	assert.NoError(f.t, err)
	assert.Equal(f.t, Sign(body, []byte(testHMACKey)), r.Header.Get("SignedHash"))

	var fields map[string]any
	assert.NoError(f.t, json.Unmarshal(body, &fields))
	assert.Len(f.t, fields["requestId"], requestIDDigits)

	if r.URL.Path == "/v1/auth/token" {
		writeOK(w, map[string]string{"accessToken": "abc", "tokenType": "Bearer"})
		return
	}
	assert.Equal(f.t, "Bearer abc", r.Header.Get("Authorization"))

	h, ok := f.handlers[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(envelope{Status: "OK", Data: raw})
}

func newTestGateway(t *testing.T, handlers map[string]http.HandlerFunc) (*Gateway, *fakeGateway) {
	t.Helper()
	fake := &fakeGateway{t: t, handlers: handlers}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gw, err := New(ctx, &Config{BaseURL: srv.URL, ClientID: "id", ClientKey: "key", HMACKey: testHMACKey, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return gw, fake
}

func TestGateway_CreateIntent(t *testing.T) {
	gw, _ := newTestGateway(t, map[string]http.HandlerFunc{
		"/v1/intents": func(w http.ResponseWriter, r *http.Request) {
			writeOK(w, map[string]any{"intentId": "pi_1", "clientSecret": "pi_1_secret", "amount": "25.50"})
		},
	})

	auth, err := gw.CreateIntent(context.Background(), "event-1", "user-1", decimal.RequireFromString("25.50"))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", auth.IntentID)
	assert.Equal(t, "pi_1_secret", auth.ClientSecret)
	assert.Equal(t, "event-1", auth.EventID)
	assert.True(t, auth.Amount.Equal(decimal.RequireFromString("25.50")))
	assert.False(t, auth.PreparedAt.IsZero())
}

func TestGateway_RetrieveCharge(t *testing.T) {
	gw, _ := newTestGateway(t, map[string]http.HandlerFunc{
		"/v1/charges/retrieve": func(w http.ResponseWriter, r *http.Request) {
			writeOK(w, map[string]any{
				"reference": "ch_1",
				"intentId":  "pi_1",
				"status":    "succeeded",
				"amount":    "25.50",
				"currency":  "USD",
				"metadata":  map[string]string{"event_id": "event-1", "user_id": "user-1"},
			})
		},
	})

	charge, err := gw.RetrieveCharge(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.True(t, charge.Succeeded())
	assert.Equal(t, "event-1", charge.EventID)
	assert.Equal(t, "user-1", charge.UserID)
}

func TestGateway_ErrorClassification(t *testing.T) {
	gw, _ := newTestGateway(t, map[string]http.HandlerFunc{
		"/v1/charges/retrieve": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(envelope{Status: "NOT_FOUND", Message: "no such charge"})
		},
		"/v1/intents": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"/v1/intents/cancel": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
	})
	ctx := context.Background()

	_, err := gw.RetrieveCharge(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrRefCodeNotFound)
	assert.False(t, status.IsTransient(err))

	_, err = gw.CreateIntent(ctx, "event-1", "user-1", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, status.ErrTransientNetwork)

	err = gw.CancelIntent(ctx, "pi_1")
	require.Error(t, err)
	assert.False(t, status.IsTransient(err))
}

func TestGateway_UnauthorizedWakesRefresher(t *testing.T) {
	fake := &fakeGateway{t: t, handlers: map[string]http.HandlerFunc{
		"/v1/intents/cancel": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	// No refresher goroutine, so the signal stays queued.
	c := newClient(&Config{BaseURL: srv.URL, HMACKey: testHMACKey})
	c.setAccessToken("Bearer abc")
	gw := &Gateway{client: c, now: time.Now}

	err := gw.CancelIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, status.ErrTransientNetwork)
	assert.Len(t, c.toggleTokenRefresher, 1)

	_ = gw.CancelIntent(context.Background(), "pi_1")
	assert.Len(t, c.toggleTokenRefresher, 1, "a pending refresh is not queued twice")
}

func TestGateway_Timeout(t *testing.T) {
	gw, _ := newTestGateway(t, map[string]http.HandlerFunc{
		"/v1/intents/cancel": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := gw.CancelIntent(ctx, "pi_1")
	assert.ErrorIs(t, err, status.ErrTimeout)
	assert.True(t, status.IsTransient(err))
}

func TestGateway_CancelledCallIsNotAFailure(t *testing.T) {
	gw, fake := newTestGateway(t, nil)
	before := fake.calls.Load()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gw.CancelIntent(ctx, "pi_1")
	assert.True(t, status.IsCancelled(err))
	assert.Equal(t, before, fake.calls.Load())
}

func TestGateway_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	gw, _ := newTestGateway(t, map[string]http.HandlerFunc{
		"/v1/intents/cancel": func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	for i := 0; i < 30; i++ {
		_ = gw.CancelIntent(context.Background(), "pi_1")
	}

	assert.Less(t, hits.Load(), int32(30), "open breaker short-circuits calls")
	err := gw.CancelIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, status.ErrTransientNetwork)
}
