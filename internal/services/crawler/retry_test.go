package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/skrapp/internal/models"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(3)

	transient := models.NewTransientFetchError("https://docs.example.com/a", 503, errors.New("server responded 503"))
	permanent := models.NewPermanentFetchError("https://docs.example.com/b", 404, errors.New("server responded 404"))
	extraction := &models.ExtractionError{URL: "https://docs.example.com/c", Err: errors.New("empty document")}

	tests := []struct {
		name       string
		retryCount int
		err        error
		expected   bool
	}{
		{"transient first failure", 0, transient, true},
		{"transient under budget", 2, transient, true},
		{"transient budget spent", 3, transient, false},
		{"transient over budget", 5, transient, false},
		{"permanent never retries", 0, permanent, false},
		{"extraction never retries", 0, extraction, false},
		{"plain error never retries", 0, errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.ShouldRetry(tt.retryCount, tt.err); got != tt.expected {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.retryCount, tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := NewRetryPolicy(3)

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.Backoff(tt.retryCount); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retryCount, got, tt.expected)
		}
	}
}

func TestNewRetryPolicy_NegativeBudget(t *testing.T) {
	policy := NewRetryPolicy(-1)
	if policy.MaxRetries != 3 {
		t.Errorf("Negative budget should default to 3, got %d", policy.MaxRetries)
	}
}
