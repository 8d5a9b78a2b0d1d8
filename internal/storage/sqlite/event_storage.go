package sqlite

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

// EventStorage implements SQLite storage for the append-only crawl log
type EventStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewEventStorage creates a new event storage instance
func NewEventStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

// LogEvent appends one entry to the job's crawl log.
func (s *EventStorage) LogEvent(ctx context.Context, event *models.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, level, type, message, fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, string(event.Level), string(event.Type),
		event.Message, event.FieldsJSON, millis(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events newest first, up to limit (0 = all).
func (s *EventStorage) ListEvents(ctx context.Context, jobID string, limit int) ([]*models.JobEvent, error) {
	query := `
		SELECT id, job_id, level, type, message, fields_json, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var (
			event     models.JobEvent
			level     string
			eventType string
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.JobID, &level, &eventType, &event.Message, &event.FieldsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Level = models.EventLevel(level)
		event.Type = models.EventType(eventType)
		event.CreatedAt = millisToTime(createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// ErrorSummary aggregates a job's error events: total count, the most common
// error kinds, and the most recent messages newest first.
func (s *EventStorage) ErrorSummary(ctx context.Context, jobID string, topKinds, lastMessages int) (*models.ErrorSummary, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT message, fields_json FROM job_events
		WHERE job_id = ? AND type = ?
		ORDER BY created_at DESC, rowid DESC`,
		jobID, string(models.EventError))
	if err != nil {
		return nil, fmt.Errorf("failed to query error events: %w", err)
	}
	defer rows.Close()

	summary := &models.ErrorSummary{ByKind: map[string]int{}}
	byKind := map[string]int{}
	for rows.Next() {
		var message, fieldsJSON string
		if err := rows.Scan(&message, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan error event: %w", err)
		}
		summary.TotalErrors++

		kind := "unknown"
		event := models.JobEvent{FieldsJSON: fieldsJSON}
		if fields, err := event.GetFields(); err == nil {
			if k, ok := fields["kind"].(string); ok && k != "" {
				kind = k
			}
		}
		byKind[kind]++

		if lastMessages > 0 && len(summary.LastErrors) < lastMessages {
			summary.LastErrors = append(summary.LastErrors, message)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

// PruneEvents keeps a job's newest keep events and deletes the rest.
func (s *EventStorage) PruneEvents(ctx context.Context, jobID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	result, err := s.db.db.ExecContext(ctx, `
		DELETE FROM job_events
		WHERE job_id = ? AND id NOT IN (
			SELECT id FROM job_events WHERE job_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		jobID, jobID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Debug().Str("job_id", jobID).Int64("count", affected).Msg("Pruned job events")
	}
	return int(affected), nil
}

// DeleteJobEvents removes every event for a job.
func (s *EventStorage) DeleteJobEvents(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}
