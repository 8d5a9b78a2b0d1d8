package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

type eventStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEventStorage creates a badger-backed event storage.
func NewEventStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EventStorage {
	return &eventStorage{
		db:     db,
		logger: logger,
	}
}

// LogEvent appends one entry to the job's crawl log.
func (s *eventStorage) LogEvent(ctx context.Context, event *models.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = models.EventLevelInfo
	}

	if err := s.db.Store().Insert(event.ID, event); err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events newest first, up to limit (0 = all).
func (s *eventStorage) ListEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) {
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var events []*models.JobEvent
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ErrorSummary aggregates a job's error events: total count, the most common
// error kinds, and the most recent messages newest first.
func (s *eventStorage) ErrorSummary(ctx context.Context, jobID string, topKinds, lastMessages int) (*models.ErrorSummary, error) {
	var events []*models.JobEvent
	query := badgerhold.Where("JobID").Eq(jobID).
		And("Type").Eq(models.EventError).
		SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to query error events: %w", err)
	}

	summary := &models.ErrorSummary{
		TotalErrors: len(events),
		ByKind:      map[string]int{},
	}

	byKind := map[string]int{}
	for _, event := range events {
		kind := "unknown"
		if fields, err := event.GetFields(); err == nil {
			if k, ok := fields["kind"].(string); ok && k != "" {
				kind = k
			}
		}
		byKind[kind]++

		if lastMessages > 0 && len(summary.LastErrors) < lastMessages {
			summary.LastErrors = append(summary.LastErrors, event.Message)
		}
	}

	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if byKind[kinds[i]] != byKind[kinds[j]] {
			return byKind[kinds[i]] > byKind[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	if topKinds > 0 && len(kinds) > topKinds {
		kinds = kinds[:topKinds]
	}
	for _, kind := range kinds {
		summary.ByKind[kind] = byKind[kind]
	}

	return summary, nil
}

// PruneEvents keeps a job's newest keep events and deletes the rest,
// returning how many were removed.
func (s *eventStorage) PruneEvents(ctx context.Context, jobID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	pruned := 0
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		pruned = 0

		var events []*models.JobEvent
		query := badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt").Reverse()
		if err := s.db.Store().TxFind(txn, &events, query); err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		if len(events) <= keep {
			return nil
		}

		for _, event := range events[keep:] {
			if err := s.db.Store().TxDelete(txn, event.ID, &models.JobEvent{}); err != nil {
				return fmt.Errorf("failed to prune event: %w", err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		s.logger.Debug().Str("job_id", jobID).Int("count", pruned).Msg("Pruned job events")
	}
	return pruned, nil
}

// DeleteJobEvents removes every event for a job.
func (s *eventStorage) DeleteJobEvents(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.JobEvent{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}
