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

type frontierStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFrontierStorage creates a badger-backed frontier storage.
func NewFrontierStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FrontierStorage {
	return &frontierStorage{
		db:     db,
		logger: logger,
	}
}

// EnqueueURL inserts a queued frontier entry keyed by (job, canonical URL).
// The first writer wins: a duplicate enqueue returns (false, nil) and leaves
// the existing entry untouched.
func (s *frontierStorage) EnqueueURL(ctx context.Context, entry *models.FrontierEntry) (bool, error) {
	if entry.JobID == "" || entry.CanonicalURL == "" {
		return false, fmt.Errorf("job ID and canonical URL are required")
	}
	if entry.State == "" {
		entry.State = models.URLStateQueued
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	key := models.FrontierKey(entry.JobID, entry.CanonicalURL)
	if err := s.db.Store().Insert(key, entry); err != nil {
		if err == badgerhold.ErrKeyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue url: %w", err)
	}
	return true, nil
}

// LeaseURLs claims up to batch visible entries for workerID and marks them
// fetching with a lease of ttl. Visible means queued with earliest_visible_at
// in the past, or fetching with an expired lease. Claim order is enqueue
// order. The scan and the claims share one transaction, so an entry is never
// leased to two workers at once.
func (s *frontierStorage) LeaseURLs(ctx context.Context, jobID, workerID string, batch int, ttl time.Duration) ([]*models.FrontierEntry, error) {
	if batch <= 0 {
		return nil, nil
	}

	var leased []*models.FrontierEntry
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		leased = nil
		now := time.Now().UTC()

		var entries []*models.FrontierEntry
		query := badgerhold.Where("JobID").Eq(jobID).
			And("State").In(models.URLStateQueued, models.URLStateFetching).
			SortBy("EnqueuedAt")
		if err := s.db.Store().TxFind(txn, &entries, query); err != nil {
			return fmt.Errorf("failed to query frontier: %w", err)
		}

		expiry := now.Add(ttl)
		for _, entry := range entries {
			if len(leased) >= batch {
				break
			}
			if !entry.Visible(now) {
				continue
			}

			entry.State = models.URLStateFetching
			entry.LeasedBy = workerID
			entry.LeasedAt = &now
			entry.LeaseExpiresAt = &expiry

			key := models.FrontierKey(entry.JobID, entry.CanonicalURL)
			if err := s.db.Store().TxUpdate(txn, key, entry); err != nil {
				return fmt.Errorf("failed to lease url: %w", err)
			}
			leased = append(leased, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
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

// CompleteURL resolves a leased entry. Only the current leaseholder's report
// applies; a call from a worker that lost the lease is a silent no-op. A
// retry outcome re-queues the entry with retry_count+1 and a visibility delay
// of visibleAfter.
func (s *frontierStorage) CompleteURL(ctx context.Context, jobID, canonicalURL, workerID string, outcome models.URLOutcome, errMsg string, visibleAfter time.Duration) error {
	key := models.FrontierKey(jobID, canonicalURL)

	return s.db.Update(func(txn *badgerdb.Txn) error {
		var entry models.FrontierEntry
		if err := s.db.Store().TxGet(txn, key, &entry); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to load frontier entry: %w", err)
		}

		// Stale worker: the lease moved on, its report no longer counts.
		if entry.State != models.URLStateFetching || entry.LeasedBy != workerID {
			return nil
		}

		now := time.Now().UTC()
		entry.LeasedBy = ""
		entry.LeasedAt = nil
		entry.LeaseExpiresAt = nil

		switch outcome {
		case models.OutcomeDone:
			entry.State = models.URLStateDone
			entry.CompletedAt = &now
			entry.LastError = ""
		case models.OutcomeFailed:
			entry.State = models.URLStateFailed
			entry.CompletedAt = &now
			entry.LastError = errMsg
		case models.OutcomeSkipped:
			entry.State = models.URLStateSkipped
			entry.CompletedAt = &now
			entry.LastError = errMsg
		case models.OutcomeRetry:
			entry.State = models.URLStateQueued
			entry.RetryCount++
			entry.EarliestVisibleAt = now.Add(visibleAfter)
			entry.LastError = errMsg
			entry.CompletedAt = nil
		default:
			return fmt.Errorf("unknown url outcome: %s", outcome)
		}

		if err := s.db.Store().TxUpdate(txn, key, &entry); err != nil {
			return fmt.Errorf("failed to complete url: %w", err)
		}
		return nil
	})
}

// ExpireStaleLeases returns every fetching entry with a lapsed lease to
// queued. Retry counts are untouched: a crashed worker is not the URL's
// fault.
func (s *frontierStorage) ExpireStaleLeases(ctx context.Context, jobID string) (int, error) {
	reclaimed := 0
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		reclaimed = 0
		now := time.Now().UTC()

		var entries []*models.FrontierEntry
		query := badgerhold.Where("JobID").Eq(jobID).And("State").Eq(models.URLStateFetching)
		if err := s.db.Store().TxFind(txn, &entries, query); err != nil {
			return fmt.Errorf("failed to query fetching entries: %w", err)
		}

		for _, entry := range entries {
			if !entry.LeaseExpired(now) {
				continue
			}
			entry.State = models.URLStateQueued
			entry.LeasedBy = ""
			entry.LeasedAt = nil
			entry.LeaseExpiresAt = nil

			key := models.FrontierKey(entry.JobID, entry.CanonicalURL)
			if err := s.db.Store().TxUpdate(txn, key, entry); err != nil {
				return fmt.Errorf("failed to reclaim lease: %w", err)
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 {
		s.logger.Debug().Str("job_id", jobID).Int("count", reclaimed).Msg("Reclaimed expired leases")
	}
	return reclaimed, nil
}

// ResetNonTerminal re-queues fetching and failed entries. With resetRetries
// the remaining frontier, including queued entries deferred by a backoff,
// also gets a clean retry budget and immediate visibility, which the JS
// fallback uses to give every URL a fresh start under the new fetcher.
func (s *frontierStorage) ResetNonTerminal(ctx context.Context, jobID string, resetRetries bool) (int, error) {
	reset := 0
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		reset = 0
		now := time.Now().UTC()

		var entries []*models.FrontierEntry
		query := badgerhold.Where("JobID").Eq(jobID).
			And("State").In(models.URLStateQueued, models.URLStateFetching, models.URLStateFailed)
		if err := s.db.Store().TxFind(txn, &entries, query); err != nil {
			return fmt.Errorf("failed to query frontier: %w", err)
		}

		for _, entry := range entries {
			if entry.State == models.URLStateQueued {
				// Queued entries only need touching when their retry
				// history is being wiped.
				if !resetRetries || (entry.RetryCount == 0 && entry.LastError == "" && !entry.EarliestVisibleAt.After(now)) {
					continue
				}
			} else {
				entry.State = models.URLStateQueued
				entry.LeasedBy = ""
				entry.LeasedAt = nil
				entry.LeaseExpiresAt = nil
				entry.CompletedAt = nil
			}
			if resetRetries {
				entry.RetryCount = 0
				entry.EarliestVisibleAt = now
				entry.LastError = ""
			}

			key := models.FrontierKey(entry.JobID, entry.CanonicalURL)
			if err := s.db.Store().TxUpdate(txn, key, entry); err != nil {
				return fmt.Errorf("failed to reset frontier entry: %w", err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.logger.Debug().
			Str("job_id", jobID).
			Int("count", reset).
			Bool("reset_retries", resetRetries).
			Msg("Reset non-terminal frontier entries")
	}
	return reset, nil
}

// GetEntry retrieves one frontier entry by its (job, canonical URL) identity.
func (s *frontierStorage) GetEntry(ctx context.Context, jobID, canonicalURL string) (*models.FrontierEntry, error) {
	var entry models.FrontierEntry
	if err := s.db.Store().Get(models.FrontierKey(jobID, canonicalURL), &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get frontier entry: %w", err)
	}
	return &entry, nil
}

// Counts tallies the job's frontier by state.
func (s *frontierStorage) Counts(ctx context.Context, jobID string) (models.FrontierCounts, error) {
	var entries []*models.FrontierEntry
	if err := s.db.Store().Find(&entries, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return models.FrontierCounts{}, fmt.Errorf("failed to count frontier: %w", err)
	}

	var counts models.FrontierCounts
	for _, entry := range entries {
		switch entry.State {
		case models.URLStateQueued:
			counts.Queued++
		case models.URLStateFetching:
			counts.Fetching++
		case models.URLStateDone:
			counts.Done++
		case models.URLStateFailed:
			counts.Failed++
		case models.URLStateSkipped:
			counts.Skipped++
		}
	}
	return counts, nil
}

// DeleteJobFrontier removes every frontier entry for a job.
func (s *frontierStorage) DeleteJobFrontier(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.FrontierEntry{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete frontier: %w", err)
	}
	return nil
}
