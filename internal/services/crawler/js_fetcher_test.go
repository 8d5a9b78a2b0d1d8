package crawler

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
)

func TestNewJSFetcher_Defaults(t *testing.T) {
	f := NewJSFetcher(JSFetcherOptions{}, arbor.NewLogger())

	if f.poolConfig.MaxInstances != 2 {
		t.Errorf("Default concurrency should be 2, got %d", f.poolConfig.MaxInstances)
	}
	if f.poolConfig.UserAgent != "SkrappBot/1.0" {
		t.Errorf("Unexpected default user agent %q", f.poolConfig.UserAgent)
	}
	if f.timeout != 45*time.Second {
		t.Errorf("Default render timeout should be 45s, got %v", f.timeout)
	}
	if f.settleTime != 2*time.Second {
		t.Errorf("Default settle time should be 2s, got %v", f.settleTime)
	}
	if f.limiter == nil {
		t.Error("A limiter should be created when none is given")
	}
	if !f.poolConfig.DisableGPU || !f.poolConfig.NoSandbox {
		t.Error("Pool should always run with gpu disabled and no sandbox")
	}
}

func TestNewJSFetcher_ConcurrencyClamped(t *testing.T) {
	f := NewJSFetcher(JSFetcherOptions{Concurrency: 9}, arbor.NewLogger())
	if f.poolConfig.MaxInstances != maxBrowserInstances {
		t.Errorf("Concurrency should clamp to %d, got %d", maxBrowserInstances, f.poolConfig.MaxInstances)
	}

	f = NewJSFetcher(JSFetcherOptions{Concurrency: -1}, arbor.NewLogger())
	if f.poolConfig.MaxInstances != 2 {
		t.Errorf("Negative concurrency should default to 2, got %d", f.poolConfig.MaxInstances)
	}
}

func TestNewJSFetcher_SharedLimiterKept(t *testing.T) {
	limiter := NewRateLimiter(100 * time.Millisecond)
	f := NewJSFetcher(JSFetcherOptions{Limiter: limiter}, arbor.NewLogger())

	if f.limiter != limiter {
		t.Error("A provided limiter must be used as-is so pacing survives the strategy switch")
	}
}

func TestJSFetcher_Name(t *testing.T) {
	f := NewJSFetcher(JSFetcherOptions{}, arbor.NewLogger())
	if f.Name() != interfaces.FetcherJS {
		t.Errorf("Expected fetcher name %q, got %q", interfaces.FetcherJS, f.Name())
	}
}

func TestJSFetcher_ConstructionDoesNotStartBrowsers(t *testing.T) {
	f := NewJSFetcher(JSFetcherOptions{Concurrency: 2}, arbor.NewLogger())

	stats := f.PoolStats()
	if stats["initialized"] != false {
		t.Error("Browsers must not start until Start is called")
	}
}
