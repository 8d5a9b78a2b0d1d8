package crawler

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.Delay() != 20*time.Millisecond {
		t.Errorf("Zero delay should default to 20ms, got %v", rl.Delay())
	}
}

func TestRateLimiter_HalveRate(t *testing.T) {
	rl := NewRateLimiter(20 * time.Millisecond)

	if got := rl.HalveRate(); got != 40*time.Millisecond {
		t.Errorf("First halving should yield 40ms, got %v", got)
	}
	if got := rl.HalveRate(); got != 80*time.Millisecond {
		t.Errorf("Second halving should yield 80ms, got %v", got)
	}
	if rl.Delay() != 80*time.Millisecond {
		t.Errorf("Delay should report the current value, got %v", rl.Delay())
	}
}

func TestRateLimiter_WaitRespectsContext(t *testing.T) {
	rl := NewRateLimiter(time.Hour)

	// Burn the burst token so the next wait would block for the full delay.
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("First wait should pass on the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail when the context ends before the next slot")
	}
}

func TestRateLimiter_PacesRequests(t *testing.T) {
	rl := NewRateLimiter(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First token is free; the next two cost one delay each.
	if elapsed < 50*time.Millisecond {
		t.Errorf("Three waits at 30ms should take at least ~60ms, took %v", elapsed)
	}
}
