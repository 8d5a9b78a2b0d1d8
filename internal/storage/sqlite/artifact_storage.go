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

// ArtifactStorage implements SQLite storage for registered output files
type ArtifactStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewArtifactStorage creates a new artifact storage instance
func NewArtifactStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

// RegisterArtifact records an output file; re-registering the same
// (job, kind, path) replaces the row.
func (s *ArtifactStorage) RegisterArtifact(ctx context.Context, artifact *models.JobArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.JobID == "" || artifact.Path == "" {
		return fmt.Errorf("job ID and path are required")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO job_artifacts (job_id, kind, path, bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, kind, path) DO UPDATE SET
			bytes = excluded.bytes,
			sha256 = excluded.sha256,
			created_at = excluded.created_at`,
		artifact.JobID, string(artifact.Kind), artifact.Path,
		artifact.Bytes, artifact.SHA256, millis(artifact.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to register artifact: %w", err)
	}

	s.logger.Trace().
		Str("job_id", artifact.JobID).
		Str("kind", string(artifact.Kind)).
		Str("path", artifact.Path).
		Msg("Artifact registered")
	return nil
}

// ListArtifacts returns a job's registered artifacts, oldest first.
func (s *ArtifactStorage) ListArtifacts(ctx context.Context, jobID string) ([]*models.JobArtifact, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT job_id, kind, path, bytes, sha256, created_at
		FROM job_artifacts WHERE job_id = ?
		ORDER BY created_at ASC, path ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.JobArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// GetArtifactByPath looks up one registered artifact by its path.
func (s *ArtifactStorage) GetArtifactByPath(ctx context.Context, jobID, path string) (*models.JobArtifact, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT job_id, kind, path, bytes, sha256, created_at
		FROM job_artifacts WHERE job_id = ? AND path = ? LIMIT 1`,
		jobID, path)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find artifact: %w", err)
	}
	return artifact, nil
}

// DeleteJobArtifacts removes every artifact row for a job.
func (s *ArtifactStorage) DeleteJobArtifacts(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM job_artifacts WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}

func scanArtifact(row rowScanner) (*models.JobArtifact, error) {
	var (
		artifact  models.JobArtifact
		kind      string
		createdAt int64
	)
	if err := row.Scan(&artifact.JobID, &kind, &artifact.Path, &artifact.Bytes, &artifact.SHA256, &createdAt); err != nil {
		return nil, err
	}
	artifact.Kind = models.ArtifactKind(kind)
	artifact.CreatedAt = millisToTime(createdAt)
	return &artifact, nil
}
