// Package middleware provides HTTP middleware for the audit core.
package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thorbis/audit-core/internal/models"
)

// maxBuckets is the maximum number of tracked keys to prevent memory exhaustion.
const maxBuckets = 100_000

// RateLimiter implements a token bucket rate limiter keyed by client IP or
// tenant, depending on which handler is installed.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rate    int
	burst   int
}

// bucket represents a per-key token bucket for rate limiting.
type bucket struct {
	tokens     int
	lastFill   time.Time
	ratePerSec int
	burst      int
}

func (b *bucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	refill := int(elapsed * float64(b.ratePerSec))

	if refill > 0 {
		b.tokens += refill
		if b.tokens > b.burst {
			b.tokens = b.burst
		}

		b.lastFill = now
	}

	if b.tokens > 0 {
		b.tokens--

		return true
	}

	return false
}

// NewRateLimiter creates a RateLimiter with the given requests per second and burst size.
// It starts a background goroutine to evict stale buckets, which stops when ctx is cancelled.
func NewRateLimiter(ctx context.Context, ratePerSec, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    ratePerSec,
		burst:   burst,
	}
	go rl.startCleanup(ctx)

	return rl
}

// startCleanup periodically evicts stale rate-limit buckets.
func (rl *RateLimiter) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	const maxAge = 10 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if now.Sub(b.lastFill) > maxAge {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// take consumes one token from the bucket for key, creating the bucket on
// first use. The second return value is false when the bucket table is full
// and the key is unknown.
func (rl *RateLimiter) take(key string) (allowed, tracked bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			return false, false
		}

		b = &bucket{
			tokens:     rl.burst,
			lastFill:   time.Now(),
			ratePerSec: rl.rate,
			burst:      rl.burst,
		}
		rl.buckets[key] = b
	}

	return b.allow(), true
}

// Handler returns Gin middleware that applies rate limiting per client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// c.ClientIP() is safe from X-Forwarded-For spoofing because
		// SetTrustedProxies(nil) in router.go disables proxy header trust.
		rl.limit(c, c.ClientIP())
	}
}

// TenantHandler returns Gin middleware that applies rate limiting per
// authenticated tenant. It must run after AuthMiddleware; requests without a
// tenant fall back to the client IP so the limit still applies.
func (rl *RateLimiter) TenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("tenant_id")
		if key == "" {
			key = c.ClientIP()
		}
		rl.limit(c, key)
	}
}

func (rl *RateLimiter) limit(c *gin.Context, key string) {
	allowed, tracked := rl.take(key)
	if !tracked {
		respondError(c, http.StatusTooManyRequests, models.ErrCodeRateLimit, "too many clients")

		return
	}

	if !allowed {
		respondError(c, http.StatusTooManyRequests, models.ErrCodeRateLimit, "rate limit exceeded")

		return
	}

	c.Next()
}
