package interfaces

import (
	"context"

	"github.com/ternarybob/skrapp/internal/models"
)

// JobRunner drives one claimed crawl job until it hands the job to its
// next state (finalizing, failed) or is stopped.
type JobRunner interface {
	Run(ctx context.Context) error
}

// EngineFactory builds a runner for a claimed job. workerID is the claim
// identity the runner uses for frontier leases.
type EngineFactory func(job *models.CrawlJob, workerID string) JobRunner

// Finalizer turns a finalizing job's raw spool into the published corpus
// artifacts and moves the job to its terminal state. Finalization is
// idempotent; re-running after a crash overwrites partial outputs.
type Finalizer interface {
	Finalize(ctx context.Context, job *models.CrawlJob) error
}
