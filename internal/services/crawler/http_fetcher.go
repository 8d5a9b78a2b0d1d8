package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

// Body markers of captcha and challenge interstitials, matched
// case-insensitively. "captcha" alone covers recaptcha and hcaptcha.
var captchaMarkers = []string{
	"cf-browser-verification",
	"cf-challenge",
	"__cf_chl",
	"captcha",
	"challenge-platform",
	"checking your browser",
	"verify you are human",
	"are you a robot",
	"please complete the security check",
}

// URL fragments that mark a redirect landing on a login wall
var loginRedirectMarkers = []string{
	"/login",
	"/signin",
	"/sign-in",
	"/auth",
	"/authenticate",
	"/sso",
	"/oauth",
	"/account/login",
	"/user/login",
}

// Meta refresh pointing at another URL, checked against the login markers
var metaRefreshRe = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]+content=["']?\d+;\s*url=([^"'>\s]+)`)

type redirectCountKey struct{}

// HTTPFetcher fetches pages with a plain HTTP client. One instance per job:
// the rate limiter, redirect budget and host fence are job-scoped.
type HTTPFetcher struct {
	client       *http.Client
	limiter      *RateLimiter
	logger       arbor.ILogger
	userAgent    string
	allowedHost  string
	maxRedirects int
	maxBodySize  int64
}

// HTTPFetcherOptions configures a job's HTTP fetcher
type HTTPFetcherOptions struct {
	UserAgent    string
	AllowedHost  string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodySize  int64
	Limiter      *RateLimiter
}

// NewHTTPFetcher creates an HTTP fetcher for one job
func NewHTTPFetcher(opts HTTPFetcherOptions, logger arbor.ILogger) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 10 * 1024 * 1024
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "SkrappBot/1.0"
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(20 * time.Millisecond)
	}

	f := &HTTPFetcher{
		limiter:      opts.Limiter,
		logger:       logger,
		userAgent:    opts.UserAgent,
		allowedHost:  strings.ToLower(opts.AllowedHost),
		maxRedirects: opts.MaxRedirects,
		maxBodySize:  opts.MaxBodySize,
	}
	f.client = &http.Client{
		Timeout:       opts.Timeout,
		CheckRedirect: f.checkRedirect,
	}

	return f
}

// Name identifies this fetcher in records and metrics
func (f *HTTPFetcher) Name() string {
	return interfaces.FetcherHTTP
}

// Fetch retrieves one page. On an HTTP error status the returned result is
// still populated (status code, final URL, captcha flag) alongside the
// classified error, so callers can feed the blocking detector.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*interfaces.FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var hops int
	ctx = context.WithValue(ctx, redirectCountKey{}, &hops)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.NewPermanentFetchError(rawURL, 0, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		var fe *models.FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		// Everything else at transport level is a network failure
		return nil, models.NewTransientFetchError(rawURL, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, models.NewTransientFetchError(rawURL, resp.StatusCode, fmt.Errorf("failed to read body: %w", err))
	}

	html := string(body)
	finalURL := resp.Request.URL.String()

	result := &interfaces.FetchResult{
		URL:           rawURL,
		FinalURL:      finalURL,
		StatusCode:    resp.StatusCode,
		HTML:          html,
		ContentType:   resp.Header.Get("Content-Type"),
		Duration:      time.Since(start),
		Fetcher:       interfaces.FetcherHTTP,
		RedirectHops:  hops,
		CaptchaPage:   detectCaptcha(html),
		LoginRedirect: detectLoginRedirect(finalURL, hops, html),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return result, models.NewTransientFetchError(rawURL, resp.StatusCode, fmt.Errorf("server responded %s", resp.Status))
	default:
		return result, models.NewPermanentFetchError(rawURL, resp.StatusCode, fmt.Errorf("server responded %s", resp.Status))
	}
}

// Close releases pooled connections
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// checkRedirect enforces the hop budget and the allowed-host fence, and
// tracks how many hops were followed for the current request.
func (f *HTTPFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if p, ok := req.Context().Value(redirectCountKey{}).(*int); ok {
		*p = len(via)
	}

	origin := via[0].URL.String()
	if len(via) >= f.maxRedirects {
		return models.NewPermanentFetchError(origin, 0, fmt.Errorf("stopped after %d redirects", f.maxRedirects))
	}
	if f.allowedHost != "" && strings.ToLower(req.URL.Hostname()) != f.allowedHost {
		return models.NewPermanentFetchError(origin, 0, fmt.Errorf("redirect left allowed host: %s", req.URL.Hostname()))
	}

	return nil
}

// detectCaptcha scans a body for challenge interstitial markers
func detectCaptcha(html string) bool {
	if html == "" {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// detectLoginRedirect reports whether the fetch ended on a login wall:
// either a redirect landed on a login-looking URL, or the page carries a
// meta refresh pointing at one.
func detectLoginRedirect(finalURL string, hops int, html string) bool {
	if hops > 0 && matchesLoginURL(finalURL) {
		return true
	}
	if m := metaRefreshRe.FindStringSubmatch(html); m != nil {
		return matchesLoginURL(m[1])
	}
	return false
}

func matchesLoginURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, marker := range loginRedirectMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
