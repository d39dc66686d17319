// Package checkout coordinates the client side of a purchase: preparing a
// payment authorization ahead of time and confirming the charge exactly once.
package checkout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"venue-ticket/models"

	"golang.org/x/sync/singleflight"
)

const (
	defaultPreparedTTL    = 10 * time.Minute
	defaultConfirmTimeout = 2 * time.Minute
)

// PaymentAPI is the part of the ticketing API a checkout needs.
type PaymentAPI interface {
	CreateIntent(ctx context.Context, eventID string) (*models.Authorization, error)
	CancelIntent(ctx context.Context, intentID string) error
	Purchase(ctx context.Context, eventID, paymentReference string) (*models.PurchaseReceipt, error)
}

type preparation struct {
	eventID    string
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	auth       *models.Authorization
	err        error
}

type Coordinator struct {
	api            PaymentAPI
	policy         RetryPolicy
	ttl            time.Duration
	confirmTimeout time.Duration
	now            func() time.Time

	mu         sync.Mutex
	generation uint64
	cancelPrep context.CancelFunc
	inflight   *preparation
	prepared   *models.Authorization

	group    singleflight.Group
	receipts sync.Map
}

type Option func(*Coordinator)

func WithPreparedTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.ttl = d }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithConfirmTimeout bounds a shared purchase confirmation, retries included.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.confirmTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(api PaymentAPI, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:            api,
		policy:         DefaultRetryPolicy(),
		ttl:            defaultPreparedTTL,
		confirmTimeout: defaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) fresh(auth *models.Authorization) bool {
	return c.now().Sub(auth.PreparedAt) < c.ttl
}

// PreparePayment starts authorizing eventID in the background, superseding
// any earlier preparation. Preparing the event already being prepared is a
// no-op.
func (c *Coordinator) PreparePayment(eventID string) {
	c.mu.Lock()
	if c.inflight != nil && c.inflight.eventID == eventID {
		c.mu.Unlock()
		return
	}
	if c.prepared != nil && c.prepared.EventID == eventID && c.fresh(c.prepared) {
		c.mu.Unlock()
		return
	}

	stale := c.supersedeLocked()
	c.generation++
	ctx, cancel := context.WithCancel(context.Background())
	p := &preparation{eventID: eventID, generation: c.generation, cancel: cancel, done: make(chan struct{})}
	c.cancelPrep = cancel
	c.inflight = p
	c.mu.Unlock()

	c.release(stale)
	go c.prepare(ctx, p)
}

func (c *Coordinator) prepare(ctx context.Context, p *preparation) {
	defer p.cancel()
	auth, err := c.api.CreateIntent(ctx, p.eventID)

	c.mu.Lock()
	p.auth, p.err = auth, err
	current := p.generation == c.generation
	if current {
		c.inflight = nil
		c.cancelPrep = nil
		if err == nil {
			c.prepared = auth
		}
	}
	close(p.done)
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("payment preparation failed", "event_id", p.eventID, "error", err)
		}
		return
	}
	if !current {
		// Superseded while the gateway was answering.
		c.release(auth)
	}
}

// supersedeLocked drops the in-flight and cached preparations and returns
// the cached authorization so the caller can release it. c.mu must be held.
func (c *Coordinator) supersedeLocked() *models.Authorization {
	if c.cancelPrep != nil {
		c.cancelPrep()
		c.cancelPrep = nil
	}
	c.inflight = nil
	stale := c.prepared
	c.prepared = nil
	return stale
}

// release cancels an authorization that will never be used. Best effort.
func (c *Coordinator) release(auth *models.Authorization) {
	if auth == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.api.CancelIntent(ctx, auth.IntentID); err != nil {
			slog.Warn("releasing payment authorization failed", "intent_id", auth.IntentID, "error", err)
		}
	}()
}

// CancelPreparation discards everything prepared so far, for example when
// the user navigates away from the event.
func (c *Coordinator) CancelPreparation() {
	c.mu.Lock()
	c.generation++
	stale := c.supersedeLocked()
	c.mu.Unlock()

	c.release(stale)
}

// GetOrCreateAuthorization returns an authorization for eventID. With
// usePrepared it consumes a matching unexpired preparation, waiting for one
// that is still in flight; otherwise, or when none is usable, it asks the
// API for a fresh one.
func (c *Coordinator) GetOrCreateAuthorization(ctx context.Context, eventID string, usePrepared bool) (*models.Authorization, error) {
	if usePrepared {
		auth, err := c.takePrepared(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			return auth, nil
		}
	}
	return c.api.CreateIntent(ctx, eventID)
}

func (c *Coordinator) takePrepared(ctx context.Context, eventID string) (*models.Authorization, error) {
	c.mu.Lock()
	if auth := c.prepared; auth != nil && auth.EventID == eventID {
		c.prepared = nil
		c.mu.Unlock()
		if c.fresh(auth) {
			return auth, nil
		}
		c.release(auth)
		return nil, nil
	}

	p := c.inflight
	c.mu.Unlock()
	if p == nil || p.eventID != eventID {
		return nil, nil
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.err != nil || c.prepared != p.auth || p.generation != c.generation {
		return nil, nil
	}
	c.prepared = nil
	return p.auth, nil
}

// ConfirmPurchase asks the server to issue the ticket paid by
// paymentReference. Transient failures are retried per the RetryPolicy,
// concurrent confirmations of one reference share a single call, and a
// successful receipt is remembered. A caller that gives up returns its
// context error without failing the others waiting on the same call.
func (c *Coordinator) ConfirmPurchase(ctx context.Context, eventID, paymentReference string) (models.PurchaseReceipt, error) {
	key := eventID + "|" + paymentReference
	if r, ok := c.receipts.Load(key); ok {
		return r.(models.PurchaseReceipt), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if r, ok := c.receipts.Load(key); ok {
			return r, nil
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.confirmTimeout)
		defer cancel()
		for attempt := 1; ; attempt++ {
			receipt, err := c.api.Purchase(ctx, eventID, paymentReference)
			if err == nil {
				c.receipts.Store(key, *receipt)
				return *receipt, nil
			}

			delay, retry := c.policy.Decide(err, attempt)
			if !retry {
				return nil, err
			}
			slog.Info("retrying purchase confirmation", "event_id", eventID, "attempt", attempt, "delay", delay, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	})
	select {
	case <-ctx.Done():
		return models.PurchaseReceipt{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.PurchaseReceipt{}, res.Err
		}
		return res.Val.(models.PurchaseReceipt), nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
