package models

import (
	"time"
)

// URLState represents the frontier state of a discovered URL
type URLState string

const (
	URLStateQueued   URLState = "queued"
	URLStateFetching URLState = "fetching"
	URLStateDone     URLState = "done"
	URLStateFailed   URLState = "failed"
	URLStateSkipped  URLState = "skipped"
)

// IsTerminal reports whether the URL needs no further work.
func (s URLState) IsTerminal() bool {
	switch s {
	case URLStateDone, URLStateFailed, URLStateSkipped:
		return true
	}
	return false
}

// URLOutcome is the completion verdict a worker reports for a leased URL
type URLOutcome string

const (
	OutcomeDone    URLOutcome = "done"
	OutcomeFailed  URLOutcome = "failed"
	OutcomeSkipped URLOutcome = "skipped"
	OutcomeRetry   URLOutcome = "retry" // Back to queued with a visibility delay
)

// FrontierEntry is one URL in a job's crawl frontier.
// The (JobID, CanonicalURL) pair is the identity; the badgerhold key is
// FrontierKey(JobID, CanonicalURL) so a second enqueue of the same canonical
// URL cannot create a second row.
type FrontierEntry struct {
	JobID        string `json:"job_id" badgerhold:"index"`
	CanonicalURL string `json:"canonical_url"`
	SourceURL    string `json:"source_url"` // URL exactly as discovered, pre-canonicalization
	Depth        int    `json:"depth"`      // Link distance from the seed (seed = 0)

	State      URLState `json:"state" badgerhold:"index"`
	RetryCount int      `json:"retry_count"`
	// EarliestVisibleAt defers a retried URL; a queued entry is invisible to
	// LeaseURLs until this time passes.
	EarliestVisibleAt time.Time `json:"earliest_visible_at"`

	LeasedBy       string     `json:"leased_by,omitempty"`
	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrontierKey builds the storage key for a frontier entry.
func FrontierKey(jobID, canonicalURL string) string {
	return jobID + "|" + canonicalURL
}

// LeaseExpired reports whether the entry is fetching on a lease that has lapsed.
func (e *FrontierEntry) LeaseExpired(now time.Time) bool {
	return e.State == URLStateFetching && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now)
}

// Visible reports whether LeaseURLs may claim the entry right now.
func (e *FrontierEntry) Visible(now time.Time) bool {
	if e.State == URLStateQueued {
		return !e.EarliestVisibleAt.After(now)
	}
	return e.LeaseExpired(now)
}

// FrontierCounts aggregates per-state totals for a job's frontier
type FrontierCounts struct {
	Queued   int `json:"queued"`
	Fetching int `json:"fetching"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Total returns the number of frontier entries across all states.
func (c FrontierCounts) Total() int {
	return c.Queued + c.Fetching + c.Done + c.Failed + c.Skipped
}

// Exhausted reports whether no fetchable work remains.
func (c FrontierCounts) Exhausted() bool {
	return c.Queued == 0 && c.Fetching == 0
}
