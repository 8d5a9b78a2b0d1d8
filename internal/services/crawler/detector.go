package crawler

import (
	"sync"
	"time"

	"github.com/ternarybob/skrapp/internal/models"
)

// detectorWindowSize is the number of recent fetch outcomes considered
const detectorWindowSize = 50

// maxEvidenceSamples caps the offending URLs carried in block evidence
const maxEvidenceSamples = 5

// FetchObservation is one completed fetch as seen by the detector
type FetchObservation struct {
	URL           string
	StatusCode    int
	CaptchaPage   bool
	LoginRedirect bool
}

// BlockingDetector classifies how a site is treating the crawl from a
// rolling window of recent fetch outcomes. One detector per job.
type BlockingDetector struct {
	mu     sync.Mutex
	window []FetchObservation
	size   int
}

// NewBlockingDetector creates a detector with the standard window size
func NewBlockingDetector() *BlockingDetector {
	return &BlockingDetector{size: detectorWindowSize}
}

// Observe records one fetch outcome, evicting the oldest beyond the window
func (d *BlockingDetector) Observe(obs FetchObservation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, obs)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
}

// Evaluate classifies the current window. Evidence is nil while the site
// looks healthy.
//
// Thresholds over the window: 429+403 above 10 or captcha pages above 2 is
// blocked; login redirects above 5 is login_required; 429+403 above 3 is
// throttled.
func (d *BlockingDetector) Evaluate() (models.SiteStatus, *models.BlockEvidence) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count429, count403, captchaCount, loginRedirects int
	var samples []string

	for _, obs := range d.window {
		offending := false
		switch obs.StatusCode {
		case 429:
			count429++
			offending = true
		case 403:
			count403++
			offending = true
		}
		if obs.CaptchaPage {
			captchaCount++
			offending = true
		}
		if obs.LoginRedirect {
			loginRedirects++
			offending = true
		}
		if offending && len(samples) < maxEvidenceSamples {
			samples = append(samples, obs.URL)
		}
	}

	status := models.SiteStatusOK
	switch {
	case count429+count403 > 10:
		status = models.SiteStatusBlocked
	case captchaCount > 2:
		status = models.SiteStatusBlocked
	case loginRedirects > 5:
		status = models.SiteStatusLoginRequired
	case count429+count403 > 3:
		status = models.SiteStatusThrottled
	}

	if status == models.SiteStatusOK {
		return status, nil
	}

	return status, &models.BlockEvidence{
		Status:         status,
		WindowSize:     len(d.window),
		Count429:       count429,
		Count403:       count403,
		CaptchaCount:   captchaCount,
		LoginRedirects: loginRedirects,
		SampleURLs:     samples,
		DetectedAt:     time.Now().UTC(),
	}
}

// Reset clears the window, used when the job switches fetcher strategy
func (d *BlockingDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}
