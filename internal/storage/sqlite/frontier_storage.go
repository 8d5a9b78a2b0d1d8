package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

const frontierColumns = `job_id, canonical_url, source_url, depth, state, retry_count,
	earliest_visible_at, leased_by, leased_at, lease_expires_at, last_error, enqueued_at, completed_at`

// FrontierStorage implements SQLite storage for the URL frontier
type FrontierStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewFrontierStorage creates a new frontier storage instance
func NewFrontierStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.FrontierStorage {
	return &FrontierStorage{
		db:     db,
		logger: logger,
	}
}

// EnqueueURL inserts a queued frontier entry; the first writer wins.
func (s *FrontierStorage) EnqueueURL(ctx context.Context, entry *models.FrontierEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.JobID == "" || entry.CanonicalURL == "" {
		return false, fmt.Errorf("job ID and canonical URL are required")
	}
	if entry.State == "" {
		entry.State = models.URLStateQueued
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	result, err := s.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO frontier (`+frontierColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.CanonicalURL, entry.SourceURL, entry.Depth, string(entry.State), entry.RetryCount,
		millis(entry.EarliestVisibleAt), entry.LeasedBy, nullMillis(entry.LeasedAt), nullMillis(entry.LeaseExpiresAt),
		entry.LastError, millis(entry.EnqueuedAt), nullMillis(entry.CompletedAt))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue url: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// LeaseURLs claims up to batch visible entries for workerID in enqueue order
// and marks them fetching with a lease of ttl.
func (s *FrontierStorage) LeaseURLs(ctx context.Context, jobID, workerID string, batch int, ttl time.Duration) ([]*models.FrontierEntry, error) {
	if batch <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT canonical_url FROM frontier
		WHERE job_id = ?
		  AND ((state = ? AND earliest_visible_at <= ?)
		    OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))
		ORDER BY enqueued_at ASC, canonical_url ASC
		LIMIT ?`,
		jobID,
		string(models.URLStateQueued), millis(now),
		string(models.URLStateFetching), millis(now),
		batch)
	if err != nil {
		return nil, fmt.Errorf("failed to query frontier: %w", err)
	}

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan frontier row: %w", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	expiry := millis(now.Add(ttl))
	var leased []*models.FrontierEntry
	for _, url := range urls {
		if _, err := tx.ExecContext(ctx, `
			UPDATE frontier
			SET state = ?, leased_by = ?, leased_at = ?, lease_expires_at = ?
			WHERE job_id = ? AND canonical_url = ?`,
			string(models.URLStateFetching), workerID, millis(now), expiry,
			jobID, url); err != nil {
			return nil, fmt.Errorf("failed to lease url: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+frontierColumns+` FROM frontier WHERE job_id = ? AND canonical_url = ?`,
			jobID, url)
		entry, err := scanFrontierEntry(row)
		if err != nil {
			return nil, fmt.Errorf("failed to load leased entry: %w", err)
		}
		leased = append(leased, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	if len(leased) > 0 {
		s.logger.Trace().
			Str("job_id", jobID).
			Str("worker_id", workerID).
			Int("count", len(leased)).
			Msg("Leased frontier urls")
	}
	return leased, nil
}

// CompleteURL resolves a leased entry; only the current leaseholder's report
// applies.
func (s *FrontierStorage) CompleteURL(ctx context.Context, jobID, canonicalURL, workerID string, outcome models.URLOutcome, errMsg string, visibleAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var (
		query string
		args  []interface{}
	)

	switch outcome {
	case models.OutcomeDone, models.OutcomeFailed, models.OutcomeSkipped:
		target := models.URLStateDone
		if outcome == models.OutcomeFailed {
			target = models.URLStateFailed
		} else if outcome == models.OutcomeSkipped {
			target = models.URLStateSkipped
		}
		query = `
			UPDATE frontier
			SET state = ?, completed_at = ?, last_error = ?,
				leased_by = '', leased_at = NULL, lease_expires_at = NULL
			WHERE job_id = ? AND canonical_url = ? AND state = ? AND leased_by = ?`
		lastError := errMsg
		if outcome == models.OutcomeDone {
			lastError = ""
		}
		args = []interface{}{string(target), millis(now), lastError,
			jobID, canonicalURL, string(models.URLStateFetching), workerID}
	case models.OutcomeRetry:
		query = `
			UPDATE frontier
			SET state = ?, retry_count = retry_count + 1, earliest_visible_at = ?, last_error = ?,
				completed_at = NULL, leased_by = '', leased_at = NULL, lease_expires_at = NULL
			WHERE job_id = ? AND canonical_url = ? AND state = ? AND leased_by = ?`
		args = []interface{}{string(models.URLStateQueued), millis(now.Add(visibleAfter)), errMsg,
			jobID, canonicalURL, string(models.URLStateFetching), workerID}
	default:
		return fmt.Errorf("unknown url outcome: %s", outcome)
	}

	result, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to complete url: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}

	// Nothing matched: either the entry does not exist, or the caller lost
	// its lease and the completion is a silent no-op.
	var one int
	err = s.db.db.QueryRowContext(ctx,
		`SELECT 1 FROM frontier WHERE job_id = ? AND canonical_url = ?`,
		jobID, canonicalURL).Scan(&one)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check frontier entry: %w", err)
	}
	return nil
}

// ExpireStaleLeases returns every fetching entry with a lapsed lease to
// queued without touching retry counts.
func (s *FrontierStorage) ExpireStaleLeases(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE frontier
		SET state = ?, leased_by = '', leased_at = NULL, lease_expires_at = NULL
		WHERE job_id = ? AND state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(models.URLStateQueued), jobID, string(models.URLStateFetching), millis(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to expire leases: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Debug().Str("job_id", jobID).Int64("count", affected).Msg("Reclaimed expired leases")
	}
	return int(affected), nil
}

// ResetNonTerminal re-queues fetching and failed entries. With resetRetries
// the remaining frontier, including queued entries deferred by a backoff,
// also gets a clean retry budget and immediate visibility.
func (s *FrontierStorage) ResetNonTerminal(ctx context.Context, jobID string, resetRetries bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := millis(time.Now().UTC())
	total := int64(0)

	// Queued entries first: wipe retry history before the fetching/failed
	// rows join them, so nothing is counted twice.
	if resetRetries {
		result, err := tx.ExecContext(ctx, `
			UPDATE frontier
			SET retry_count = 0, earliest_visible_at = ?, last_error = ''
			WHERE job_id = ? AND state = ?
			  AND (retry_count > 0 OR last_error != '' OR earliest_visible_at > ?)`,
			now, jobID, string(models.URLStateQueued), now)
		if err != nil {
			return 0, fmt.Errorf("failed to reset queued entries: %w", err)
		}
		affected, _ := result.RowsAffected()
		total += affected
	}

	query := `
		UPDATE frontier
		SET state = ?, completed_at = NULL, leased_by = '', leased_at = NULL, lease_expires_at = NULL
		WHERE job_id = ? AND state IN (?, ?)`
	args := []interface{}{string(models.URLStateQueued), jobID,
		string(models.URLStateFetching), string(models.URLStateFailed)}
	if resetRetries {
		query = `
			UPDATE frontier
			SET state = ?, retry_count = 0, earliest_visible_at = ?, last_error = '',
				completed_at = NULL, leased_by = '', leased_at = NULL, lease_expires_at = NULL
			WHERE job_id = ? AND state IN (?, ?)`
		args = []interface{}{string(models.URLStateQueued), now, jobID,
			string(models.URLStateFetching), string(models.URLStateFailed)}
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset frontier: %w", err)
	}
	affected, _ := result.RowsAffected()
	total += affected

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}

	if total > 0 {
		s.logger.Debug().
			Str("job_id", jobID).
			Int64("count", total).
			Bool("reset_retries", resetRetries).
			Msg("Reset non-terminal frontier entries")
	}
	return int(total), nil
}

// GetEntry retrieves one frontier entry by its (job, canonical URL) identity.
func (s *FrontierStorage) GetEntry(ctx context.Context, jobID, canonicalURL string) (*models.FrontierEntry, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+frontierColumns+` FROM frontier WHERE job_id = ? AND canonical_url = ?`,
		jobID, canonicalURL)
	entry, err := scanFrontierEntry(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get frontier entry: %w", err)
	}
	return entry, nil
}

// Counts tallies the job's frontier by state.
func (s *FrontierStorage) Counts(ctx context.Context, jobID string) (models.FrontierCounts, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM frontier WHERE job_id = ? GROUP BY state`, jobID)
	if err != nil {
		return models.FrontierCounts{}, fmt.Errorf("failed to count frontier: %w", err)
	}
	defer rows.Close()

	var counts models.FrontierCounts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return models.FrontierCounts{}, fmt.Errorf("failed to scan count: %w", err)
		}
		switch models.URLState(state) {
		case models.URLStateQueued:
			counts.Queued = n
		case models.URLStateFetching:
			counts.Fetching = n
		case models.URLStateDone:
			counts.Done = n
		case models.URLStateFailed:
			counts.Failed = n
		case models.URLStateSkipped:
			counts.Skipped = n
		}
	}
	return counts, rows.Err()
}

// DeleteJobFrontier removes every frontier entry for a job.
func (s *FrontierStorage) DeleteJobFrontier(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM frontier WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete frontier: %w", err)
	}
	return nil
}

func scanFrontierEntry(row rowScanner) (*models.FrontierEntry, error) {
	var (
		entry             models.FrontierEntry
		state             string
		earliestVisible   int64
		enqueuedAt        int64
		leasedAt          sql.NullInt64
		leaseExpiresAt    sql.NullInt64
		completedAt       sql.NullInt64
	)

	err := row.Scan(
		&entry.JobID, &entry.CanonicalURL, &entry.SourceURL, &entry.Depth, &state, &entry.RetryCount,
		&earliestVisible, &entry.LeasedBy, &leasedAt, &leaseExpiresAt,
		&entry.LastError, &enqueuedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.State = models.URLState(state)
	entry.EarliestVisibleAt = millisToTime(earliestVisible)
	entry.EnqueuedAt = millisToTime(enqueuedAt)
	entry.LeasedAt = timePtr(leasedAt)
	entry.LeaseExpiresAt = timePtr(leaseExpiresAt)
	entry.CompletedAt = timePtr(completedAt)
	return &entry, nil
}
