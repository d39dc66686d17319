package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter counts requests per caller in fixed windows. Counters live in
// redis so every instance behind the load balancer shares them; without redis
// each process falls back to its own token buckets.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration

	now       func() time.Time
	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(redisClient *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:  redisClient,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
		local:  make(map[string]*localBucket),
	}
}

// Allow reports whether identifier may make another request in the current
// window. Redis errors fail open.
func (r *RateLimiter) Allow(ctx context.Context, identifier string) (bool, error) {
	if r.redis == nil {
		return r.allowLocal(identifier), nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", r.prefix, identifier)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			return true, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= int64(r.limit), nil
}

func (r *RateLimiter) allowLocal(identifier string) bool {
	now := r.now()

	r.mu.Lock()
	r.sweepLocked(now)
	bucket, ok := r.local[identifier]
	if !ok {
		bucket = &localBucket{limiter: rate.NewLimiter(rate.Every(r.window/time.Duration(r.limit)), r.limit)}
		r.local[identifier] = bucket
	}
	bucket.lastSeen = now
	r.mu.Unlock()

	return bucket.limiter.AllowN(now, 1)
}

// sweepLocked drops buckets idle for a whole window. Such a bucket has
// refilled completely, so a new one behaves the same. r.mu must be held.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for id, bucket := range r.local {
		if now.Sub(bucket.lastSeen) >= r.window {
			delete(r.local, id)
		}
	}
}

// Middleware limits authenticated callers by user id and anonymous callers
// by IP.
func (r *RateLimiter) Middleware() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		identifier := e.RealIP()
		if e.Auth != nil {
			identifier = "user:" + e.Auth.Id
		}

		allowed, err := r.Allow(e.Request.Context(), identifier)
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err, "prefix", r.prefix)
		}
		if !allowed {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBot rejects obvious automated clients on purchase endpoints.
func AntiBot() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if IsSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}
		return e.Next()
	}
}

func IsSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
