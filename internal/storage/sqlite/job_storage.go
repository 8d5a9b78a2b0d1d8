package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

const jobColumns = `id, name, state, config_json,
	pages_fetched, pages_passed, pages_failed, dup_count, error_count, restart_count,
	site_status, strategy, fallback_occurred, block_evidence_json,
	cancel_requested, worker_id, access_token_hash, last_error,
	created_at, expires_at, started_at, heartbeat_at, last_progress_at, finished_at`

// JobStorage implements SQLite storage for crawl jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job. The job ID must be unique.
func (s *JobStorage) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.State == "" {
		job.State = models.JobStateQueued
	}

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	evidenceJSON, err := marshalEvidence(job.BlockEvidence)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO crawl_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.db.ExecContext(ctx, query,
		job.ID, job.Name, string(job.State), string(configJSON),
		job.PagesFetched, job.PagesPassed, job.PagesFailed, job.DupCount, job.ErrorCount, job.RestartCount,
		string(job.SiteStatus), string(job.Strategy), boolToInt(job.FallbackDone), evidenceJSON,
		boolToInt(job.CancelRequested), job.WorkerID, job.AccessTokenHash, job.LastError,
		millis(job.CreatedAt), millis(job.ExpiresAt),
		nullMillis(job.StartedAt), nullMillis(job.HeartbeatAt), nullMillis(job.LastProgressAt), nullMillis(job.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("seed_url", job.Config.SeedURL).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID.
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.CrawlJob, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *JobStorage) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE 1=1`
	args := []interface{}{}

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobsByState returns every job in any of the given states, newest first.
func (s *JobStorage) ListJobsByState(ctx context.Context, states ...models.JobState) ([]*models.CrawlJob, error) {
	return s.ListJobs(ctx, interfaces.JobFilter{States: states})
}

// DeleteJob removes a job row.
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `DELETE FROM crawl_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return models.ErrJobNotFound
	}

	s.logger.Debug().Str("job_id", id).Msg("Job deleted")
	return nil
}

// ClaimNextQueuedJob atomically moves the oldest queued job to running for
// workerID. The select and update run in one transaction, so two concurrent
// claimers never take the same job.
func (s *JobStorage) ClaimNextQueuedJob(ctx context.Context, workerID string) (*models.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM crawl_jobs WHERE state = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(models.JobStateQueued)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoQueuedJobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}

	now := millis(time.Now().UTC())
	result, err := tx.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET state = ?, worker_id = ?,
			started_at = COALESCE(started_at, ?),
			heartbeat_at = ?, last_progress_at = ?
		WHERE id = ? AND state = ?`,
		string(models.JobStateRunning), workerID, now, now, now,
		id, string(models.JobStateQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, models.ErrNoQueuedJobs
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("worker_id", workerID).Msg("Job claimed")
	return job, nil
}

// Heartbeat stamps heartbeat_at on a live job; calls against a job that is no
// longer running or finalizing are ignored.
func (s *JobStorage) Heartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET heartbeat_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		millis(time.Now().UTC()), jobID,
		string(models.JobStateRunning), string(models.JobStateFinalizing))
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return s.requireJob(ctx, jobID)
	}
	return nil
}

// RecordProgress adds counter deltas; a fetch completion also advances
// last_progress_at. Terminal rows are frozen: a worker draining after an
// external cancel or expiry cannot move their counters.
func (s *JobStorage) RecordProgress(ctx context.Context, jobID string, delta interfaces.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET pages_fetched = pages_fetched + ?,
			pages_passed = pages_passed + ?,
			pages_failed = pages_failed + ?,
			dup_count = dup_count + ?,
			error_count = error_count + ?,
			last_progress_at = CASE WHEN ? > 0 THEN ? ELSE last_progress_at END
		WHERE id = ? AND state IN (?, ?, ?)`,
		delta.PagesFetched, delta.PagesPassed, delta.PagesFailed, delta.DupCount, delta.ErrorCount,
		delta.PagesFetched, millis(time.Now().UTC()), jobID,
		string(models.JobStateQueued), string(models.JobStateRunning), string(models.JobStateFinalizing))
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return s.requireJob(ctx, jobID)
	}
	return nil
}

// SetState performs a validated transition from -> to; an illegal change
// returns *models.TransitionError and leaves the row untouched.
func (s *JobStorage) SetState(ctx context.Context, jobID string, from, to models.JobState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM crawl_jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return models.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job state: %w", err)
	}
	if models.JobState(current) != from || !models.CanTransition(from, to) {
		return &models.TransitionError{JobID: jobID, From: models.JobState(current), To: to}
	}

	now := millis(time.Now().UTC())
	sets := []string{"state = ?"}
	args := []interface{}{string(to)}

	switch to {
	case models.JobStateRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)", "heartbeat_at = ?", "last_progress_at = ?")
		args = append(args, now, now, now)
	case models.JobStateQueued:
		// Supervisor restart: worker detached, counters intact.
		sets = append(sets, "worker_id = ''", "heartbeat_at = NULL")
	}
	if to.IsTerminal() {
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}
	if reason != "" && (to == models.JobStateFailed || to == models.JobStateExpired) {
		sets = append(sets, "last_error = ?")
		args = append(args, reason)
	}

	args = append(args, jobID, string(from))
	query := "UPDATE crawl_jobs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND state = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state change: %w", err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job state changed")
	return nil
}

// RequestCancel sets the cooperative cancel flag on a non-terminal job.
func (s *JobStorage) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET cancel_requested = 1
		WHERE id = ? AND state IN (?, ?, ?)`,
		jobID,
		string(models.JobStateQueued), string(models.JobStateRunning), string(models.JobStateFinalizing))
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return s.requireJob(ctx, jobID)
}

// SetSiteStatus records the blocking detector's verdict and its evidence.
func (s *JobStorage) SetSiteStatus(ctx context.Context, jobID string, status models.SiteStatus, evidence *models.BlockEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result sql.Result
		err    error
	)
	if evidence != nil {
		evidenceJSON, merr := marshalEvidence(evidence)
		if merr != nil {
			return merr
		}
		result, err = s.db.db.ExecContext(ctx,
			`UPDATE crawl_jobs SET site_status = ?, block_evidence_json = ? WHERE id = ?`,
			string(status), evidenceJSON, jobID)
	} else {
		result, err = s.db.db.ExecContext(ctx,
			`UPDATE crawl_jobs SET site_status = ? WHERE id = ?`,
			string(status), jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to set site status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// SetStrategy records the active fetcher family. fallback_occurred is a
// one-way latch.
func (s *JobStorage) SetStrategy(ctx context.Context, jobID string, strategy models.CrawlStrategy, fallbackOccurred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET strategy = ?, fallback_occurred = CASE WHEN ? THEN 1 ELSE fallback_occurred END
		WHERE id = ?`,
		string(strategy), boolToInt(fallbackOccurred), jobID)
	if err != nil {
		return fmt.Errorf("failed to set strategy: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// IncrementRestartCount bumps the restart counter after a supervisor restart.
func (s *JobStorage) IncrementRestartCount(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx,
		`UPDATE crawl_jobs SET restart_count = restart_count + 1 WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to increment restart count: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// requireJob distinguishes a deliberate no-op from a missing job.
func (s *JobStorage) requireJob(ctx context.Context, jobID string) error {
	var one int
	err := s.db.db.QueryRowContext(ctx, `SELECT 1 FROM crawl_jobs WHERE id = ?`, jobID).Scan(&one)
	if err == sql.ErrNoRows {
		return models.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.CrawlJob, error) {
	var (
		job                          models.CrawlJob
		state, siteStatus, strategy  string
		configJSON                   string
		evidenceJSON                 sql.NullString
		fallback, cancelRequested    int
		createdAt, expiresAt         int64
		startedAt, heartbeatAt       sql.NullInt64
		lastProgressAt, finishedAt   sql.NullInt64
	)

	err := row.Scan(
		&job.ID, &job.Name, &state, &configJSON,
		&job.PagesFetched, &job.PagesPassed, &job.PagesFailed, &job.DupCount, &job.ErrorCount, &job.RestartCount,
		&siteStatus, &strategy, &fallback, &evidenceJSON,
		&cancelRequested, &job.WorkerID, &job.AccessTokenHash, &job.LastError,
		&createdAt, &expiresAt, &startedAt, &heartbeatAt, &lastProgressAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &job.Config); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		var evidence models.BlockEvidence
		if err := json.Unmarshal([]byte(evidenceJSON.String), &evidence); err != nil {
			return nil, fmt.Errorf("failed to parse block evidence: %w", err)
		}
		job.BlockEvidence = &evidence
	}

	job.State = models.JobState(state)
	job.SiteStatus = models.SiteStatus(siteStatus)
	job.Strategy = models.CrawlStrategy(strategy)
	job.FallbackDone = fallback != 0
	job.CancelRequested = cancelRequested != 0
	job.CreatedAt = millisToTime(createdAt)
	job.ExpiresAt = millisToTime(expiresAt)
	job.StartedAt = timePtr(startedAt)
	job.HeartbeatAt = timePtr(heartbeatAt)
	job.LastProgressAt = timePtr(lastProgressAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

func marshalEvidence(evidence *models.BlockEvidence) (sql.NullString, error) {
	if evidence == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(evidence)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize block evidence: %w", err)
	}
	return sql.NullString{Valid: true, String: string(data)}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
