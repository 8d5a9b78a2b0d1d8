package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

func newTestHTTPFetcher(t *testing.T, server *httptest.Server, mutate func(*HTTPFetcherOptions)) *HTTPFetcher {
	t.Helper()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server url: %v", err)
	}

	opts := HTTPFetcherOptions{
		UserAgent:   "SkrappBot-Test/1.0",
		AllowedHost: u.Hostname(),
		Timeout:     5 * time.Second,
		Limiter:     NewRateLimiter(time.Millisecond),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewHTTPFetcher(opts, arbor.NewLogger())
}

func TestHTTPFetcher_Success(t *testing.T) {
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><head><title>Guide</title></head><body><p>Install steps</p></body></html>"))
	}))
	defer server.Close()

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	result, err := fetcher.Fetch(context.Background(), server.URL+"/guide")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", result.StatusCode)
	}
	if !strings.Contains(result.HTML, "Install steps") {
		t.Error("Body should contain the served HTML")
	}
	if result.ContentType != "text/html; charset=utf-8" {
		t.Errorf("Unexpected content type %q", result.ContentType)
	}
	if result.Fetcher != interfaces.FetcherHTTP {
		t.Errorf("Expected fetcher %q, got %q", interfaces.FetcherHTTP, result.Fetcher)
	}
	if result.RedirectHops != 0 {
		t.Errorf("Expected 0 redirect hops, got %d", result.RedirectHops)
	}
	if result.CaptchaPage || result.LoginRedirect {
		t.Error("Plain page should not flag captcha or login")
	}
	if gotUserAgent != "SkrappBot-Test/1.0" {
		t.Errorf("Expected configured user agent, got %q", gotUserAgent)
	}
}

func TestHTTPFetcher_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"forbidden is permanent", http.StatusForbidden, false},
		{"rate limited is transient", http.StatusTooManyRequests, true},
		{"server error is transient", http.StatusInternalServerError, true},
		{"bad gateway is transient", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("<html><body>error page</body></html>"))
			}))
			defer server.Close()

			fetcher := newTestHTTPFetcher(t, server, nil)
			defer fetcher.Close()

			result, err := fetcher.Fetch(context.Background(), server.URL+"/page")
			if err == nil {
				t.Fatalf("Expected error for status %d", tt.status)
			}
			if models.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v for status %d", models.IsRetryable(err), tt.retryable, tt.status)
			}
			if result == nil {
				t.Fatal("Result should be populated alongside the error for detector feeding")
			}
			if result.StatusCode != tt.status {
				t.Errorf("Result status = %d, want %d", result.StatusCode, tt.status)
			}
		})
	}
}

func TestHTTPFetcher_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>moved here</body></html>"))
	})

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	result, err := fetcher.Fetch(context.Background(), server.URL+"/old")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.RedirectHops != 1 {
		t.Errorf("Expected 1 redirect hop, got %d", result.RedirectHops)
	}
	if !strings.HasSuffix(result.FinalURL, "/new") {
		t.Errorf("FinalURL should be the redirect target, got %q", result.FinalURL)
	}
}

func TestHTTPFetcher_RedirectBudget(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	fetcher := newTestHTTPFetcher(t, server, func(opts *HTTPFetcherOptions) {
		opts.MaxRedirects = 3
	})
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), server.URL+"/loop")
	if err == nil {
		t.Fatal("Expected redirect budget error")
	}
	if models.IsRetryable(err) {
		t.Error("Redirect overflow must be permanent")
	}
	if !strings.Contains(err.Error(), "stopped after 3 redirects") {
		t.Errorf("Expected redirect budget message, got %q", err.Error())
	}
}

func TestHTTPFetcher_OffHostRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/landing", http.StatusFound)
	}))
	defer server.Close()

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), server.URL+"/away")
	if err == nil {
		t.Fatal("Expected off-host redirect to fail")
	}
	if models.IsRetryable(err) {
		t.Error("Off-host redirect must be permanent")
	}
	if !strings.Contains(err.Error(), "redirect left allowed host") {
		t.Errorf("Expected host fence message, got %q", err.Error())
	}
}

func TestHTTPFetcher_LoginRedirectFlag(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?next=/private", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><form>password</form></body></html>"))
	})

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	result, err := fetcher.Fetch(context.Background(), server.URL+"/private")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !result.LoginRedirect {
		t.Error("Redirect onto /login should set the login flag")
	}
}

func TestHTTPFetcher_CaptchaFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><div id=\"cf-browser-verification\">Checking your browser</div></body></html>"))
	}))
	defer server.Close()

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	result, err := fetcher.Fetch(context.Background(), server.URL+"/challenge")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !result.CaptchaPage {
		t.Error("Challenge markup should set the captcha flag")
	}
}

func TestHTTPFetcher_BodyCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	defer server.Close()

	fetcher := newTestHTTPFetcher(t, server, func(opts *HTTPFetcherOptions) {
		opts.MaxBodySize = 1024
	})
	defer fetcher.Close()

	result, err := fetcher.Fetch(context.Background(), server.URL+"/huge")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(result.HTML) != 1024 {
		t.Errorf("Body should be capped at 1024 bytes, got %d", len(result.HTML))
	}
}

func TestHTTPFetcher_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	fetcher := newTestHTTPFetcher(t, server, nil)
	defer fetcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fetcher.Fetch(ctx, server.URL+"/slow")
	if err == nil {
		t.Fatal("Expected error when context ends mid-fetch")
	}
}

func TestDetectCaptcha(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		expected bool
	}{
		{"cloudflare challenge", "<div class='cf-challenge'>wait</div>", true},
		{"recaptcha widget", "<div class='g-recaptcha'>CAPTCHA required</div>", true},
		{"verify human prompt", "<p>Verify you are human to continue</p>", true},
		{"mixed case marker", "<p>CHECKING YOUR BROWSER before access</p>", true},
		{"normal docs page", "<article><h1>API Guide</h1></article>", false},
		{"empty body", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectCaptcha(tt.html); got != tt.expected {
				t.Errorf("detectCaptcha = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDetectLoginRedirect(t *testing.T) {
	tests := []struct {
		name     string
		finalURL string
		hops     int
		html     string
		expected bool
	}{
		{"redirect onto login", "https://docs.example.com/login", 1, "", true},
		{"redirect onto sso", "https://docs.example.com/sso/start", 2, "", true},
		{"login url without redirect", "https://docs.example.com/login", 0, "", false},
		{"meta refresh to signin", "https://docs.example.com/guide", 0,
			`<meta http-equiv="refresh" content="0; url=/signin?next=guide">`, true},
		{"meta refresh elsewhere", "https://docs.example.com/guide", 0,
			`<meta http-equiv="refresh" content="5; url=/guide/v2">`, false},
		{"plain page", "https://docs.example.com/guide", 0, "<html></html>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectLoginRedirect(tt.finalURL, tt.hops, tt.html); got != tt.expected {
				t.Errorf("detectLoginRedirect = %v, want %v", got, tt.expected)
			}
		})
	}
}
