package checkout

import (
	"time"

	"venue-ticket/internal/status"
)

// RetryPolicy decides whether a failed purchase confirmation is retried.
// Only transient failures are retried; the payment reference makes every
// retry idempotent on the server.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Decide returns the delay before the next attempt after attempt (1-based)
// failed with err, and whether there should be a next attempt at all.
func (p RetryPolicy) Decide(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxAttempts || !status.IsTransient(err) {
		return 0, false
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	return delay, true
}
