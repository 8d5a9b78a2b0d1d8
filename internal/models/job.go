package models

import (
	"time"
)

// JobState represents the lifecycle state of a crawl job
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateRunning    JobState = "running"
	JobStateFinalizing JobState = "finalizing"
	JobStateDone       JobState = "done"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
	JobStateExpired    JobState = "expired"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateDone, JobStateFailed, JobStateCancelled, JobStateExpired:
		return true
	}
	return false
}

// jobTransitions is the complete legal state machine.
// running -> queued is the supervisor restart path and must never be taken by
// the engine; every non-terminal state may expire.
var jobTransitions = map[JobState][]JobState{
	JobStateQueued:     {JobStateRunning, JobStateCancelled, JobStateExpired},
	JobStateRunning:    {JobStateFinalizing, JobStateFailed, JobStateCancelled, JobStateQueued, JobStateExpired},
	JobStateFinalizing: {JobStateDone, JobStateFailed, JobStateCancelled, JobStateExpired},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to JobState) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SiteStatus summarizes how the target site is treating the crawl
type SiteStatus string

const (
	SiteStatusOK            SiteStatus = "ok"
	SiteStatusThrottled     SiteStatus = "throttled"
	SiteStatusBlocked       SiteStatus = "blocked"
	SiteStatusLoginRequired SiteStatus = "login_required"
	SiteStatusSwitchedToJS  SiteStatus = "switched_to_js"
)

// CrawlStrategy identifies which fetcher family a job is using
type CrawlStrategy string

const (
	StrategyHTTP CrawlStrategy = "http"
	StrategyJS   CrawlStrategy = "js"
)

// CrawlJob represents one documentation-site crawl.
// Configuration is snapshot at creation time so a job is self-contained and
// unaffected by later config changes. Counters are monotonically
// non-decreasing for the life of the job; a supervisor restart does not
// reset them.
type CrawlJob struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`             // User-friendly name for the job
	State  JobState `json:"state" badgerhold:"index"`
	Config JobConfig `json:"config"` // Snapshot of crawl configuration at creation time

	// Counters. PagesFetched counts every completed fetch regardless of
	// outcome; the page budget compares against it. PagesPassed counts
	// quality-gate passes only.
	PagesFetched int `json:"pages_fetched"`
	PagesPassed  int `json:"pages_passed"`
	PagesFailed  int `json:"pages_failed"`
	DupCount     int `json:"dup_count"`
	ErrorCount   int `json:"error_count"`
	RestartCount int `json:"restart_count"`

	SiteStatus    SiteStatus    `json:"site_status"`
	Strategy      CrawlStrategy `json:"crawler_strategy"`
	FallbackDone  bool          `json:"fallback_occurred"` // One-way HTTP -> JS switch happened
	BlockEvidence *BlockEvidence `json:"block_evidence,omitempty"`

	CancelRequested bool   `json:"cancel_requested"` // Cooperative flag; engine polls on the heartbeat cadence
	WorkerID        string `json:"worker_id,omitempty"`
	AccessTokenHash string `json:"-"` // sha256 of the one-time token returned at creation
	// LastError contains a concise description of why the job failed.
	// Format: "category: brief description" (e.g. "hard_stalled_zero_pages: no pages in 180s").
	LastError string `json:"last_error,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// JobConfig defines per-job crawl behavior, snapshot at creation
type JobConfig struct {
	SeedURL            string   `json:"seed_url"`
	AllowedHost        string   `json:"allowed_host"`         // Exact host match; no subdomain wandering
	MaxPages           int      `json:"max_pages"`            // Page budget (fetch completions)
	MaxDepth           int      `json:"max_depth"`            // Link distance from the seed
	UseJS              bool     `json:"use_js"`               // Force the browser fetcher from the start
	IgnorePathPrefixes []string `json:"ignore_path_prefixes"` // Paths excluded from admission
	DownloadDelay      float64  `json:"download_delay"`       // Seconds between requests (fractional)
}

// BlockEvidence captures what the blocking detector saw over its rolling window
type BlockEvidence struct {
	Status         SiteStatus `json:"status"`
	WindowSize     int        `json:"window_size"`
	Count429       int        `json:"count_429"`
	Count403       int        `json:"count_403"`
	CaptchaCount   int        `json:"captcha_count"`
	LoginRedirects int        `json:"login_redirects"`
	SampleURLs     []string   `json:"sample_urls,omitempty"` // At most five offending URLs
	DetectedAt     time.Time  `json:"detected_at"`
}

// Progress reports the fraction of the page budget consumed.
func (j *CrawlJob) Progress() float64 {
	if j.Config.MaxPages <= 0 {
		return 0
	}
	p := float64(j.PagesFetched) / float64(j.Config.MaxPages)
	if p > 1 {
		p = 1
	}
	return p
}

// Elapsed returns wall time since the job first started, zero if never started.
func (j *CrawlJob) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return now.Sub(*j.StartedAt)
}
