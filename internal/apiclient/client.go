// Package apiclient is the device-side client of the ticketing API and of
// the per-user change stream.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"venue-ticket/internal/status"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the API. It unwraps to the status
// sentinel matching its code, so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if err := status.FromCode(e.Code); err != nil {
		return err
	}
	switch {
	case e.Status == http.StatusUnauthorized:
		return status.ErrNotAuthenticated
	case e.Status == http.StatusTooManyRequests, e.Status >= http.StatusInternalServerError:
		return status.ErrTransientNetwork
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

// WithTimeout bounds every request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token after a sign in or refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authToken() (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token == "" {
		return "", status.ErrNotAuthenticated
	}
	if exp, ok := tokenExpiry(token); ok && !c.now().Before(exp) {
		return "", fmt.Errorf("%w: session expired at %s", status.ErrNotAuthenticated, exp.Format(time.RFC3339))
	}
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server verifies, this only avoids sending requests that must fail.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.authToken()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(statusCode int, raw []byte) error {
	var body struct {
		Message string `json:"message"`
		Data    struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		slog.Debug("undecodable api error body", "status", statusCode, "error", err)
		body.Message = http.StatusText(statusCode)
	}
	return &APIError{Status: statusCode, Code: body.Data.Code, Message: body.Message}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", status.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", status.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", status.ErrTransientNetwork, err)
}
