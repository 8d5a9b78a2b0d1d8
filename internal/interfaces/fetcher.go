package interfaces

import (
	"context"
	"time"
)

// Fetcher names
const (
	FetcherHTTP = "http"
	FetcherJS   = "js"
)

// FetchResult is the outcome of fetching one URL
type FetchResult struct {
	URL           string        // URL as requested
	FinalURL      string        // URL after redirects; equals URL when none occurred
	StatusCode    int           // 0 on transport failure
	HTML          string        // Raw body, or rendered DOM for the JS fetcher
	ContentType   string
	Duration      time.Duration
	Fetcher       string // FetcherHTTP or FetcherJS
	RedirectHops  int
	LoginRedirect bool // Final URL looked like an auth wall
	CaptchaPage   bool // Body carried a captcha/challenge marker
}

// Fetcher retrieves pages. Implementations classify failures with the
// models error taxonomy so callers can decide retry vs fail.
type Fetcher interface {
	// Name returns FetcherHTTP or FetcherJS.
	Name() string

	// Fetch retrieves rawURL, following redirects up to the configured cap.
	Fetch(ctx context.Context, rawURL string) (*FetchResult, error)

	// Close releases fetcher resources (connections, browser contexts).
	Close() error
}
