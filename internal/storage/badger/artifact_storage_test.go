package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/models"
)

func TestRegisterArtifactIdempotent(t *testing.T) {
	db := newTestDB(t)
	storage := NewArtifactStorage(db, arbor.NewLogger())
	ctx := context.Background()

	artifact := &models.JobArtifact{
		JobID:  "job-1",
		Kind:   models.ArtifactPages,
		Path:   "/data/output/job-1/pages.jsonl",
		Bytes:  1024,
		SHA256: "abc123",
	}
	if err := storage.RegisterArtifact(ctx, artifact); err != nil {
		t.Fatal(err)
	}

	// Re-running finalization replaces the row instead of duplicating it
	artifact.Bytes = 2048
	if err := storage.RegisterArtifact(ctx, artifact); err != nil {
		t.Fatal(err)
	}

	artifacts, err := storage.ListArtifacts(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("Expected 1 artifact after re-register, got %d", len(artifacts))
	}
	if artifacts[0].Bytes != 2048 {
		t.Errorf("Expected replaced size 2048, got %d", artifacts[0].Bytes)
	}
}

func TestGetArtifactByPath(t *testing.T) {
	db := newTestDB(t)
	storage := NewArtifactStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for _, a := range []*models.JobArtifact{
		{JobID: "job-1", Kind: models.ArtifactSummary, Path: "/data/output/job-1/summary.json", Bytes: 512},
		{JobID: "job-1", Kind: models.ArtifactKBPage, Path: "/data/output/job-1/kb/getting-started.md", Bytes: 4096},
	} {
		if err := storage.RegisterArtifact(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	found, err := storage.GetArtifactByPath(ctx, "job-1", "/data/output/job-1/kb/getting-started.md")
	if err != nil {
		t.Fatal(err)
	}
	if found.Kind != models.ArtifactKBPage {
		t.Errorf("Expected kb_page kind, got %s", found.Kind)
	}

	if _, err := storage.GetArtifactByPath(ctx, "job-1", "/data/output/job-1/missing.md"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := storage.DeleteJobArtifacts(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := storage.ListArtifacts(ctx, "job-1"); len(list) != 0 {
		t.Errorf("Expected artifacts gone, got %d", len(list))
	}
}
