package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"venue-ticket/internal/status"
	"venue-ticket/utils"
)

const requestIDDigits = 18

type Config struct {
	BaseURL   string
	ClientID  string
	ClientKey string
	HMACKey   string
	Timeout   time.Duration
}

type client struct {
	baseURL   string
	clientID  string
	clientKey string
	hmacKey   string

	// accessToken authenticates every call after connect.
	accessToken string
	mu          sync.Mutex

	// toggleTokenRefresher wakes the refresher early after a 401.
	toggleTokenRefresher chan struct{}

	hc      *http.Client
	breaker *utils.CircuitBreaker
}

func newClient(c *Config) *client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		baseURL:              strings.TrimRight(c.BaseURL, "/"),
		clientID:             c.ClientID,
		clientKey:            c.ClientKey,
		hmacKey:              c.HMACKey,
		toggleTokenRefresher: make(chan struct{}, 1),
		hc:                   &http.Client{Timeout: timeout},
		breaker: utils.NewCircuitBreaker("payment-gateway",
			utils.WithMaxRequests(20),
			utils.WithOpenTimeout(30*time.Second),
			utils.WithSuccessCheck(func(err error) bool {
				return err == nil || !status.IsTransient(err)
			}),
		),
	}
}

// Sign computes the SignedHash header for a request body.
func Sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// refreshAccessToken renews the token every 10 minutes, or as soon as a call
// is rejected with 401, retrying with exponential backoff.
func (c *client) refreshAccessToken(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.toggleTokenRefresher:
			slog.Info("gateway token rejected, refreshing")
		}

		backOff := time.Second
	Retry:
		for {
			token, err := c.connect(ctx)
			if err == nil {
				c.setAccessToken(token)
				break Retry
			}
			slog.Warn("gateway token refresh failed", "error", err, "retry_in", backOff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backOff):
				if backOff < 2*time.Minute {
					backOff *= 2
				}
			}
		}
	}
}

func (c *client) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *client) requestRefresh() {
	select {
	case c.toggleTokenRefresher <- struct{}{}:
	default:
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *client) connect(ctx context.Context) (string, error) {
	var reply struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
	}
	err := c.send(ctx, "/v1/auth/token", map[string]any{
		"clientId":     c.clientID,
		"clientSecret": c.clientKey,
	}, false, &reply)
	if err != nil {
		return "", fmt.Errorf("gateway connect: %w", err)
	}
	return reply.TokenType + " " + reply.AccessToken, nil
}

// call sends an authenticated request through the circuit breaker.
func (c *client) call(ctx context.Context, path string, fields map[string]any, out any) error {
	_, err := c.breaker.Execute(ctx, func() (any, error) {
		return nil, c.send(ctx, path, fields, true, out)
	})
	if errors.Is(err, utils.ErrOpenState) || errors.Is(err, utils.ErrTooManyRequests) {
		return fmt.Errorf("gateway %s: %w: %w", path, status.ErrTransientNetwork, err)
	}
	return err
}

// send posts fields plus a fresh requestId, signed with the HMAC key, and
// decodes the data member of an OK reply into out.
func (c *client) send(ctx context.Context, path string, fields map[string]any, auth bool, out any) error {
	requestID, err := utils.GenerateDigits(requestIDDigits)
	if err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	fields["requestId"] = requestID

	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Sign(body, []byte(c.hmacKey)))
	if auth {
		req.Header.Set("Authorization", c.getAccessToken())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyTransportError(ctx, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.requestRefresh()
		return fmt.Errorf("gateway %s: unauthorized: %w", path, status.ErrTransientNetwork)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("gateway %s: http %d: %w", path, resp.StatusCode, status.ErrTransientNetwork)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("gateway %s: http %d", path, resp.StatusCode)
	}

	var reply envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("gateway %s: decode: %w", path, err)
	}
	switch reply.Status {
	case "OK":
	case "NOT_FOUND":
		return fmt.Errorf("gateway %s: %s: %w", path, reply.Message, status.ErrRefCodeNotFound)
	default:
		return fmt.Errorf("gateway %s: status %s: %s", path, reply.Status, reply.Message)
	}

	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("gateway %s: decode data: %w", path, err)
	}
	return nil
}

func classifyTransportError(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("gateway %s: %w: %w", path, status.ErrTimeout, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("gateway %s: %w: %w", path, status.ErrTimeout, err)
	}
	return fmt.Errorf("gateway %s: %w: %w", path, status.ErrTransientNetwork, err)
}
