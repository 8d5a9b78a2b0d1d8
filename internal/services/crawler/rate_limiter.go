package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces one job's requests from its download_delay. The rate
// can be halved while the job runs, which is how the engine reacts to a
// throttled verdict from the blocking detector.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	delay   time.Duration
}

// NewRateLimiter creates a limiter allowing one request per delay
func NewRateLimiter(delay time.Duration) *RateLimiter {
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		delay:   delay,
	}
}

// Wait blocks until the next request is allowed or the context ends
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// HalveRate doubles the delay between requests and returns the new delay
func (rl *RateLimiter) HalveRate() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.delay *= 2
	rl.limiter.SetLimit(rate.Every(rl.delay))
	return rl.delay
}

// Delay returns the current delay between requests
func (rl *RateLimiter) Delay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.delay
}
