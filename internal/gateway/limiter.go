package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket with an extra holdoff window set when the
// endpoint answers 429. All model calls pass through it.
type rateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		rps = 4
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimiter) wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if until := time.Until(retryAt); until > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(until):
		}
	}

	return r.limiter.Wait(ctx)
}

// recordRateLimit sets a holdoff after a 429 response. Zero or negative
// retryAfter falls back to a conservative window.
func (r *rateLimiter) recordRateLimit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if at := time.Now().Add(retryAfter); at.After(r.retryAt) {
		r.retryAt = at
	}
}
