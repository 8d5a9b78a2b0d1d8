package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

// emptyDocumentShell is what a blank renderer tab serializes to
const emptyDocumentShell = "<html><head></head><body></body></html>"

// stealthScript masks the usual headless automation markers. It must run
// before any page script, so it is registered via
// page.AddScriptToEvaluateOnNewDocument rather than evaluated after load.
const stealthScript = `
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
	Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'], configurable: true });
	if (!window.chrome) { window.chrome = {}; }
	window.chrome.runtime = {};
	const originalQuery = window.navigator.permissions.query;
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications' ?
			Promise.resolve({ state: Notification.permission }) :
			originalQuery(parameters)
	);
	Object.defineProperty(screen, 'width', { get: () => 1920 });
	Object.defineProperty(screen, 'height', { get: () => 1080 });
	Object.defineProperty(screen, 'availWidth', { get: () => 1920 });
	Object.defineProperty(screen, 'availHeight', { get: () => 1040 });
	Object.defineProperty(screen, 'colorDepth', { get: () => 24 });
	Object.defineProperty(screen, 'pixelDepth', { get: () => 24 });
`

// JSFetcher renders pages through a pool of headless browser contexts.
// It implements the same result contract as HTTPFetcher: on an HTTP error
// status the populated result is returned alongside the classified error
// so callers can still feed the blocking detector.
type JSFetcher struct {
	pool        *ChromeDPPool
	poolConfig  ChromeDPPoolConfig
	limiter     *RateLimiter
	logger      arbor.ILogger
	allowedHost string
	timeout     time.Duration
	settleTime  time.Duration
}

// JSFetcherOptions configures a JSFetcher
type JSFetcherOptions struct {
	// Concurrency is the number of browser contexts (clamped to 1..4).
	Concurrency int
	UserAgent   string
	// Headless should be true outside of local debugging.
	Headless bool
	// AllowedHost rejects renders whose final URL left the crawl host.
	AllowedHost string
	// Timeout bounds one full render including navigation and settle.
	Timeout time.Duration
	// SettleTime is how long to let page scripts run after navigation.
	SettleTime time.Duration
	// Limiter is shared with other fetchers when both are alive.
	Limiter *RateLimiter
}

// NewJSFetcher creates a JS fetcher. Browser instances are not started
// until Start is called; construction stays cheap.
func NewJSFetcher(opts JSFetcherOptions, logger arbor.ILogger) *JSFetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Concurrency > maxBrowserInstances {
		opts.Concurrency = maxBrowserInstances
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "SkrappBot/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = 2 * time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(0)
	}

	poolConfig := ChromeDPPoolConfig{
		MaxInstances:   opts.Concurrency,
		UserAgent:      opts.UserAgent,
		Headless:       opts.Headless,
		DisableGPU:     true,
		NoSandbox:      true,
		RequestTimeout: opts.Timeout,
	}

	return &JSFetcher{
		pool:        NewChromeDPPool(poolConfig, logger),
		poolConfig:  poolConfig,
		limiter:     opts.Limiter,
		logger:      logger,
		allowedHost: strings.ToLower(opts.AllowedHost),
		timeout:     opts.Timeout,
		settleTime:  opts.SettleTime,
	}
}

// Start launches the browser pool
func (f *JSFetcher) Start() error {
	return f.pool.InitBrowserPool(f.poolConfig)
}

// Name returns the fetcher identifier
func (f *JSFetcher) Name() string {
	return interfaces.FetcherJS
}

// PoolStats exposes browser pool statistics for diagnostics
func (f *JSFetcher) PoolStats() map[string]interface{} {
	return f.pool.GetPoolStats()
}

// Fetch renders rawURL in a pooled browser context and returns the
// serialized DOM. The render is bounded by the per-fetch timeout and
// aborted if the caller's context is cancelled.
func (f *JSFetcher) Fetch(ctx context.Context, rawURL string) (*interfaces.FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, models.NewTransientFetchError(rawURL, 0, fmt.Errorf("rate limiter interrupted: %w", err))
	}

	browserCtx, release, err := f.pool.GetBrowser()
	if err != nil {
		return nil, models.NewTransientFetchError(rawURL, 0, err)
	}
	defer release()

	fetchCtx, cancel := context.WithTimeout(browserCtx, f.timeout)
	defer cancel()

	// The render context derives from the pooled browser, not the caller,
	// so caller cancellation has to be bridged across.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// The main-document status arrives as a CDP network event while
	// chromedp.Run is executing; guard it against the event goroutine.
	var mu sync.Mutex
	statusCode := 0
	redirectHops := 0

	chromedp.ListenTarget(fetchCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			mu.Lock()
			// First document response wins: sub-frame documents and
			// later script navigations arrive after the main frame.
			if statusCode == 0 {
				statusCode = int(e.Response.Status)
			}
			mu.Unlock()
		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument && e.RedirectResponse != nil {
				mu.Lock()
				redirectHops++
				mu.Unlock()
			}
		}
	})

	start := time.Now()
	var html string
	var location string

	err = chromedp.Run(fetchCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.EmulateViewport(1920, 1080),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(f.settleTime),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewTransientFetchError(rawURL, 0, fmt.Errorf("render cancelled: %w", ctx.Err()))
		}
		return nil, models.NewTransientFetchError(rawURL, 0, fmt.Errorf("browser render failed: %w", err))
	}

	mu.Lock()
	status := statusCode
	hops := redirectHops
	mu.Unlock()
	if status == 0 {
		// No document response was observed (served from a renderer
		// cache); the navigation itself succeeded.
		status = 200
	}

	finalURL := location
	if finalURL == "" {
		finalURL = rawURL
	}

	trimmed := strings.TrimSpace(html)
	if trimmed == "" || trimmed == emptyDocumentShell {
		return nil, &models.ExtractionError{URL: rawURL, Err: fmt.Errorf("browser returned empty document")}
	}

	result := &interfaces.FetchResult{
		URL:          rawURL,
		FinalURL:     finalURL,
		StatusCode:   status,
		HTML:         html,
		ContentType:  "text/html",
		Duration:     duration,
		Fetcher:      interfaces.FetcherJS,
		RedirectHops: hops,
		CaptchaPage:  detectCaptcha(html),
		// Script-driven redirects to an auth wall never increment the
		// network hop count, so the final location alone decides.
		LoginRedirect: finalURL != rawURL && matchesLoginURL(finalURL),
	}

	if f.allowedHost != "" {
		if host := hostOf(finalURL); host != "" && host != f.allowedHost {
			return result, models.NewPermanentFetchError(rawURL, status, fmt.Errorf("redirect left allowed host: %s", host))
		}
	}

	switch {
	case status >= 200 && status < 300:
		f.logger.Trace().
			Str("url", rawURL).
			Int("status_code", status).
			Int("html_length", len(html)).
			Dur("duration", duration).
			Msg("Rendered page")
		return result, nil
	case status == 429 || status >= 500:
		return result, models.NewTransientFetchError(rawURL, status, fmt.Errorf("server responded %d", status))
	default:
		return result, models.NewPermanentFetchError(rawURL, status, fmt.Errorf("server responded %d", status))
	}
}

// Close shuts down the browser pool
func (f *JSFetcher) Close() error {
	return f.pool.ShutdownBrowserPool()
}
