package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/skrapp/internal/models"
)

// JobFilter narrows ListJobs results
type JobFilter struct {
	States []models.JobState
	Limit  int
	Offset int
}

// ProgressDelta carries counter increments for RecordProgress. All values are
// added to the job's counters; counters never decrease.
type ProgressDelta struct {
	PagesFetched int
	PagesPassed  int
	PagesFailed  int
	DupCount     int
	ErrorCount   int
}

// JobStorage - interface for crawl job persistence.
// Every call is atomic with respect to the affected job row.
type JobStorage interface {
	// Lifecycle
	CreateJob(ctx context.Context, job *models.CrawlJob) error
	GetJob(ctx context.Context, id string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.CrawlJob, error)
	ListJobsByState(ctx context.Context, states ...models.JobState) ([]*models.CrawlJob, error)
	DeleteJob(ctx context.Context, id string) error

	// Claiming. ClaimNextQueuedJob atomically picks the oldest queued job,
	// moves it to running and stamps worker, start and heartbeat times.
	// Returns models.ErrNoQueuedJobs when nothing is claimable; two
	// concurrent claimers never receive the same job.
	ClaimNextQueuedJob(ctx context.Context, workerID string) (*models.CrawlJob, error)

	// Liveness and progress
	Heartbeat(ctx context.Context, jobID string) error
	RecordProgress(ctx context.Context, jobID string, delta ProgressDelta) error

	// SetState performs a validated transition; an illegal one returns
	// *models.TransitionError and leaves the row untouched. Terminal states
	// stamp finished_at. reason lands in last_error for failure states.
	SetState(ctx context.Context, jobID string, from, to models.JobState, reason string) error

	// RequestCancel sets the cooperative cancel flag; it never changes state.
	RequestCancel(ctx context.Context, jobID string) error

	// Site behavior bookkeeping
	SetSiteStatus(ctx context.Context, jobID string, status models.SiteStatus, evidence *models.BlockEvidence) error
	SetStrategy(ctx context.Context, jobID string, strategy models.CrawlStrategy, fallbackOccurred bool) error
	IncrementRestartCount(ctx context.Context, jobID string) error
}

// FrontierStorage - interface for the per-job URL frontier with lease-based
// claiming. The (job_id, canonical_url) pair is the frontier identity.
type FrontierStorage interface {
	// EnqueueURL inserts a queued entry; returns false without error when the
	// canonical URL is already present for the job (first writer wins).
	EnqueueURL(ctx context.Context, entry *models.FrontierEntry) (bool, error)

	// LeaseURLs claims up to batch visible entries for workerID: queued ones
	// whose earliest_visible_at has passed, plus fetching ones whose lease
	// expired. Claimed entries become fetching with a lease of ttl. A URL is
	// never leased to two workers at once.
	LeaseURLs(ctx context.Context, jobID, workerID string, batch int, ttl time.Duration) ([]*models.FrontierEntry, error)

	// CompleteURL resolves a leased entry. Only the current leaseholder's
	// completion applies; a stale worker's call is a no-op. OutcomeRetry
	// re-queues with retry_count+1 and earliest_visible_at = now + visibleAfter.
	CompleteURL(ctx context.Context, jobID, canonicalURL, workerID string, outcome models.URLOutcome, errMsg string, visibleAfter time.Duration) error

	// ExpireStaleLeases returns every lapsed fetching entry to queued without
	// touching retry counts. Returns how many were reclaimed.
	ExpireStaleLeases(ctx context.Context, jobID string) (int, error)

	// ResetNonTerminal re-queues fetching and failed entries, used by the JS
	// fallback switch and supervisor restarts. With resetRetries it also
	// clears the retry budget and visibility delay of every remaining entry,
	// including already-queued ones sitting on a backoff, so the whole
	// frontier gets a fresh start under the new fetcher.
	ResetNonTerminal(ctx context.Context, jobID string, resetRetries bool) (int, error)

	GetEntry(ctx context.Context, jobID, canonicalURL string) (*models.FrontierEntry, error)
	Counts(ctx context.Context, jobID string) (models.FrontierCounts, error)
	DeleteJobFrontier(ctx context.Context, jobID string) error
}

// DocumentStorage - interface for deduplicated document persistence
type DocumentStorage interface {
	// UpsertDocument enforces (job_id, content_hash) identity: a new hash
	// inserts and returns (id, true); a repeat returns the existing
	// document's id and false without overwriting it.
	UpsertDocument(ctx context.Context, doc *models.Document) (string, bool, error)

	GetDocumentByHash(ctx context.Context, jobID, contentHash string) (*models.Document, error)
	FindDocumentByTitleHash(ctx context.Context, jobID, titleHash string) (*models.Document, error)
	ListDocuments(ctx context.Context, jobID string) ([]*models.Document, error) // Ordered by first_seen_at
	CountDocuments(ctx context.Context, jobID string) (int, error)

	// AttachURLAlias records a duplicate URL; (job_id, url) is unique and a
	// repeat attach returns false without error.
	AttachURLAlias(ctx context.Context, alias *models.URLAlias) (bool, error)
	ListAliases(ctx context.Context, jobID, docID string) ([]*models.URLAlias, error)
	ListJobAliases(ctx context.Context, jobID string) ([]*models.URLAlias, error)

	DeleteJobDocuments(ctx context.Context, jobID string) error
}

// EventStorage - interface for the append-only crawl log
type EventStorage interface {
	LogEvent(ctx context.Context, event *models.JobEvent) error
	ListEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) // Newest first
	ErrorSummary(ctx context.Context, jobID string, topKinds, lastMessages int) (*models.ErrorSummary, error)
	PruneEvents(ctx context.Context, jobID string, keep int) (int, error)
	DeleteJobEvents(ctx context.Context, jobID string) error
}

// ArtifactStorage - interface for registered output files
type ArtifactStorage interface {
	RegisterArtifact(ctx context.Context, artifact *models.JobArtifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]*models.JobArtifact, error)
	GetArtifactByPath(ctx context.Context, jobID, path string) (*models.JobArtifact, error)
	DeleteJobArtifacts(ctx context.Context, jobID string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	FrontierStorage() FrontierStorage
	DocumentStorage() DocumentStorage
	EventStorage() EventStorage
	ArtifactStorage() ArtifactStorage
	Close() error
}
