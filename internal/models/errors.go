package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across storage backends and services
var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoQueuedJobs is returned by ClaimNextQueuedJob when nothing is claimable.
	ErrNoQueuedJobs = errors.New("no queued jobs")
	// ErrNotFound is returned for missing documents, artifacts, and frontier entries.
	ErrNotFound = errors.New("not found")
	// ErrJobStateConflict is returned when a job's current state does not
	// permit the requested operation (cancel on terminal, delete on live).
	ErrJobStateConflict = errors.New("job state conflict")
	// ErrBudgetExceeded signals the page budget is spent. It is loop control,
	// not a failure: the engine moves to finalization when it sees it.
	ErrBudgetExceeded = errors.New("page budget exceeded")
)

// ErrorKind classifies failures for retry decisions and the error summary
type ErrorKind string

const (
	ErrKindTransientFetch    ErrorKind = "transient_fetch"
	ErrKindPermanentFetch    ErrorKind = "permanent_fetch"
	ErrKindExtractionFailed  ErrorKind = "extraction_failed"
	ErrKindSiteBlocked       ErrorKind = "site_blocked"
	ErrKindJobFatal          ErrorKind = "job_fatal"
	ErrKindSupervisorTimeout ErrorKind = "supervisor_timeout"
)

// Job failure reasons written to CrawlJob.LastError by the supervisor and engine
const (
	FailReasonOrphaned    = "orphaned_no_heartbeat"
	FailReasonStalled     = "stalled_no_progress"
	FailReasonHardStalled = "hard_stalled_zero_pages"
	FailReasonSiteBlocked = "site_blocked"
	FailReasonFinalize    = "finalize_failed"
)

// TransitionError reports an illegal job state change. The row is untouched
// when this is returned.
type TransitionError struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal job state transition %s -> %s for %s", e.From, e.To, e.JobID)
}

// FetchError is a classified fetch failure. Kind decides retry behavior:
// transient errors re-queue with backoff, permanent ones fail the URL.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientFetchError builds a retryable fetch failure (network, 5xx, 429).
func NewTransientFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{Kind: ErrKindTransientFetch, URL: url, StatusCode: statusCode, Err: err}
}

// NewPermanentFetchError builds a non-retryable fetch failure (4xx except 429,
// redirect overflow, off-host redirect).
func NewPermanentFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{Kind: ErrKindPermanentFetch, URL: url, StatusCode: statusCode, Err: err}
}

// IsRetryable reports whether the error should re-queue the URL with backoff.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == ErrKindTransientFetch
	}
	return false
}

// ExtractionError means the parser or renderer produced nothing usable.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction_failed: %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// SiteBlockedError is the blocking detector's verdict, carrying its evidence.
type SiteBlockedError struct {
	Status   SiteStatus
	Evidence *BlockEvidence
}

func (e *SiteBlockedError) Error() string {
	if e.Evidence != nil {
		return fmt.Sprintf("site blocked (%s): 429=%d 403=%d captcha=%d login=%d over last %d fetches",
			e.Status, e.Evidence.Count429, e.Evidence.Count403, e.Evidence.CaptchaCount,
			e.Evidence.LoginRedirects, e.Evidence.WindowSize)
	}
	return fmt.Sprintf("site blocked (%s)", e.Status)
}

// JobFatalError kills the whole job, not just one URL.
type JobFatalError struct {
	Reason string
	Err    error
}

func (e *JobFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *JobFatalError) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy kind for the error summary; unknown errors
// count as extraction-adjacent generic failures.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return ErrKindExtractionFailed
	}
	var be *SiteBlockedError
	if errors.As(err, &be) {
		return ErrKindSiteBlocked
	}
	var jf *JobFatalError
	if errors.As(err, &jf) {
		return ErrKindJobFatal
	}
	return ErrKindPermanentFetch
}
