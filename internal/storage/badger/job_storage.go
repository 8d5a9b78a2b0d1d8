package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

type jobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a badger-backed job storage.
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &jobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job. The job ID must be unique.
func (s *jobStorage) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.State == "" {
		job.State = models.JobStateQueued
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("seed_url", job.Config.SeedURL).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID.
func (s *jobStorage) GetJob(ctx context.Context, id string) (*models.CrawlJob, error) {
	var job models.CrawlJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *jobStorage) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.CrawlJob, error) {
	var query *badgerhold.Query
	if len(filter.States) > 0 {
		states := make([]interface{}, len(filter.States))
		for i, st := range filter.States {
			states[i] = st
		}
		query = badgerhold.Where("State").In(states...)
	} else {
		query = badgerhold.Where("ID").Ne("")
	}

	query = query.SortBy("CreatedAt").Reverse()
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}

	var jobs []*models.CrawlJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsByState returns every job in any of the given states, newest first.
func (s *jobStorage) ListJobsByState(ctx context.Context, states ...models.JobState) ([]*models.CrawlJob, error) {
	return s.ListJobs(ctx, interfaces.JobFilter{States: states})
}

// DeleteJob removes a job row. Frontier, documents, events and artifacts are
// deleted by their own stores.
func (s *jobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.CrawlJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrJobNotFound
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	s.logger.Debug().Str("job_id", id).Msg("Job deleted")
	return nil
}

// ClaimNextQueuedJob atomically moves the oldest queued job to running for
// workerID. The read and write share one transaction so two concurrent
// claimers can never take the same job.
func (s *jobStorage) ClaimNextQueuedJob(ctx context.Context, workerID string) (*models.CrawlJob, error) {
	var claimed *models.CrawlJob

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var jobs []*models.CrawlJob
		query := badgerhold.Where("State").Eq(models.JobStateQueued).SortBy("CreatedAt").Limit(1)
		if err := s.db.Store().TxFind(txn, &jobs, query); err != nil {
			return fmt.Errorf("failed to query queued jobs: %w", err)
		}
		if len(jobs) == 0 {
			return models.ErrNoQueuedJobs
		}

		job := jobs[0]
		now := time.Now().UTC()
		job.State = models.JobStateRunning
		job.WorkerID = workerID
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.HeartbeatAt = &now
		job.LastProgressAt = &now

		if err := s.db.Store().TxUpdate(txn, job.ID, job); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("job_id", claimed.ID).Str("worker_id", workerID).Msg("Job claimed")
	return claimed, nil
}

// Heartbeat stamps heartbeat_at on a live job. Calls against a job that is no
// longer running or finalizing are ignored so a superseded worker cannot keep
// a restarted job looking alive.
func (s *jobStorage) Heartbeat(ctx context.Context, jobID string) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		if job.State != models.JobStateRunning && job.State != models.JobStateFinalizing {
			return false, nil
		}
		now := time.Now().UTC()
		job.HeartbeatAt = &now
		return true, nil
	})
}

// RecordProgress adds counter deltas. Counters never decrease; a fetch
// completion also advances last_progress_at, which the stall detector reads.
// Terminal rows are frozen: a worker draining after an external cancel or
// expiry cannot move their counters.
func (s *jobStorage) RecordProgress(ctx context.Context, jobID string, delta interfaces.ProgressDelta) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		if job.State.IsTerminal() {
			return false, nil
		}
		job.PagesFetched += delta.PagesFetched
		job.PagesPassed += delta.PagesPassed
		job.PagesFailed += delta.PagesFailed
		job.DupCount += delta.DupCount
		job.ErrorCount += delta.ErrorCount
		if delta.PagesFetched > 0 {
			now := time.Now().UTC()
			job.LastProgressAt = &now
		}
		return true, nil
	})
}

// SetState performs a validated transition from -> to. The job's current
// state must equal from and the edge must be legal, otherwise the row is
// untouched and a *models.TransitionError is returned.
func (s *jobStorage) SetState(ctx context.Context, jobID string, from, to models.JobState, reason string) error {
	err := s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		if job.State != from || !models.CanTransition(from, to) {
			return false, &models.TransitionError{JobID: jobID, From: job.State, To: to}
		}

		now := time.Now().UTC()
		job.State = to

		switch to {
		case models.JobStateRunning:
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
			job.HeartbeatAt = &now
			job.LastProgressAt = &now
		case models.JobStateQueued:
			// Supervisor restart: the job goes back on the queue with its
			// counters intact and no worker attached.
			job.WorkerID = ""
			job.HeartbeatAt = nil
		}

		if to.IsTerminal() {
			job.FinishedAt = &now
		}
		if reason != "" && (to == models.JobStateFailed || to == models.JobStateExpired) {
			job.LastError = reason
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job state changed")
	return nil
}

// RequestCancel sets the cooperative cancel flag. Terminal jobs are left
// untouched; the flag never changes state by itself.
func (s *jobStorage) RequestCancel(ctx context.Context, jobID string) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		if job.State.IsTerminal() || job.CancelRequested {
			return false, nil
		}
		job.CancelRequested = true
		return true, nil
	})
}

// SetSiteStatus records the blocking detector's verdict and its evidence.
func (s *jobStorage) SetSiteStatus(ctx context.Context, jobID string, status models.SiteStatus, evidence *models.BlockEvidence) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		job.SiteStatus = status
		if evidence != nil {
			job.BlockEvidence = evidence
		}
		return true, nil
	})
}

// SetStrategy records the active fetcher family. The fallback flag is a
// one-way latch: once a job has switched to JS it stays switched.
func (s *jobStorage) SetStrategy(ctx context.Context, jobID string, strategy models.CrawlStrategy, fallbackOccurred bool) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		job.Strategy = strategy
		if fallbackOccurred {
			job.FallbackDone = true
		}
		return true, nil
	})
}

// IncrementRestartCount bumps the restart counter after a supervisor restart.
func (s *jobStorage) IncrementRestartCount(ctx context.Context, jobID string) error {
	return s.mutate(jobID, func(job *models.CrawlJob) (bool, error) {
		job.RestartCount++
		return true, nil
	})
}

// mutate loads a job, applies fn and writes it back in one transaction. fn
// returns false to skip the write.
func (s *jobStorage) mutate(jobID string, fn func(job *models.CrawlJob) (bool, error)) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.ErrJobNotFound
			}
			return fmt.Errorf("failed to load job: %w", err)
		}

		changed, err := fn(&job)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		if err := s.db.Store().TxUpdate(txn, jobID, &job); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		return nil
	})
}
