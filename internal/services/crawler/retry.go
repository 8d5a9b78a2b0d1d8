package crawler

import (
	"time"

	"github.com/ternarybob/skrapp/internal/models"
)

// RetryPolicy classifies fetch failures and computes re-queue backoff.
// Workers never sleep through a backoff while holding a lease: a retryable
// failure re-queues the frontier entry with earliest_visible_at pushed out
// by Backoff(retry_count).
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewRetryPolicy creates the standard policy: exponential backoff from 1s
// capped at 60s, with the configured retry budget.
func NewRetryPolicy(maxRetries int) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &RetryPolicy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// ShouldRetry reports whether a failed fetch gets another attempt.
// Transient errors (network, 5xx, 429) retry while budget remains;
// everything else fails the URL immediately.
func (p *RetryPolicy) ShouldRetry(retryCount int, err error) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	return models.IsRetryable(err)
}

// Backoff returns the visibility delay before retry attempt retryCount:
// initial * 2^retryCount, capped at MaxBackoff.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}
