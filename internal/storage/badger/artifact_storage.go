package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

type artifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a badger-backed artifact storage.
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &artifactStorage{
		db:     db,
		logger: logger,
	}
}

// RegisterArtifact records an output file. Re-registering the same
// (job, kind, path) replaces the row, which keeps finalization idempotent.
func (s *artifactStorage) RegisterArtifact(ctx context.Context, artifact *models.JobArtifact) error {
	if artifact.JobID == "" || artifact.Path == "" {
		return fmt.Errorf("job ID and path are required")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	key := models.ArtifactKey(artifact.JobID, artifact.Kind, artifact.Path)
	if err := s.db.Store().Upsert(key, artifact); err != nil {
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
func (s *artifactStorage) ListArtifacts(ctx context.Context, jobID string) ([]*models.JobArtifact, error) {
	var artifacts []*models.JobArtifact
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&artifacts, query); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}

// GetArtifactByPath looks up one registered artifact by its path.
func (s *artifactStorage) GetArtifactByPath(ctx context.Context, jobID, path string) (*models.JobArtifact, error) {
	var artifacts []*models.JobArtifact
	query := badgerhold.Where("JobID").Eq(jobID).And("Path").Eq(path).Limit(1)
	if err := s.db.Store().Find(&artifacts, query); err != nil {
		return nil, fmt.Errorf("failed to find artifact: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, models.ErrNotFound
	}
	return artifacts[0], nil
}

// DeleteJobArtifacts removes every artifact row for a job. The files on disk
// are the caller's responsibility.
func (s *artifactStorage) DeleteJobArtifacts(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.JobArtifact{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}
