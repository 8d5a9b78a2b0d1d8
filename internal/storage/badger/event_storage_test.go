package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

func logTestEvent(t *testing.T, storage interfaces.EventStorage, jobID string, eventType models.EventType, message, kind string, at time.Time) {
	t.Helper()
	event := &models.JobEvent{
		JobID:     jobID,
		Level:     models.EventLevelInfo,
		Type:      eventType,
		Message:   message,
		CreatedAt: at,
	}
	if eventType == models.EventError {
		event.Level = models.EventLevelError
		if err := event.SetFields(map[string]interface{}{"kind": kind}); err != nil {
			t.Fatal(err)
		}
	}
	if err := storage.LogEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	logTestEvent(t, storage, "job-1", models.EventStateChange, "queued -> running", "", base)
	logTestEvent(t, storage, "job-1", models.EventProgress, "10 pages fetched", "", base.Add(time.Second))
	logTestEvent(t, storage, "job-1", models.EventStateChange, "running -> finalizing", "", base.Add(2*time.Second))
	logTestEvent(t, storage, "job-2", models.EventStateChange, "queued -> running", "", base)

	events, err := storage.ListEvents(ctx, "job-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events for job-1, got %d", len(events))
	}
	if events[0].Message != "running -> finalizing" {
		t.Errorf("Expected newest event first, got %q", events[0].Message)
	}

	limited, err := storage.ListEvents(ctx, "job-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit 2 respected, got %d", len(limited))
	}
}

func TestErrorSummaryAggregation(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	logTestEvent(t, storage, "job-1", models.EventError, "fetch https://d/1 failed: status 503", "transient_fetch", base)
	logTestEvent(t, storage, "job-1", models.EventError, "fetch https://d/2 failed: status 503", "transient_fetch", base.Add(time.Second))
	logTestEvent(t, storage, "job-1", models.EventError, "fetch https://d/3 failed: status 404", "permanent_fetch", base.Add(2*time.Second))
	logTestEvent(t, storage, "job-1", models.EventError, "extraction produced no text", "extraction_failed", base.Add(3*time.Second))
	logTestEvent(t, storage, "job-1", models.EventProgress, "not an error", "", base.Add(4*time.Second))

	summary, err := storage.ErrorSummary(ctx, "job-1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	if summary.TotalErrors != 4 {
		t.Errorf("Expected 4 total errors, got %d", summary.TotalErrors)
	}
	if len(summary.ByKind) != 2 {
		t.Errorf("Expected top 2 kinds only, got %d", len(summary.ByKind))
	}
	if summary.ByKind["transient_fetch"] != 2 {
		t.Errorf("Expected transient_fetch count 2, got %d", summary.ByKind["transient_fetch"])
	}
	if len(summary.LastErrors) != 2 {
		t.Fatalf("Expected 2 recent messages, got %d", len(summary.LastErrors))
	}
	if summary.LastErrors[0] != "extraction produced no text" {
		t.Errorf("Expected newest message first, got %q", summary.LastErrors[0])
	}
}

func TestPruneEventsKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		logTestEvent(t, storage, "job-1", models.EventProgress, "tick", "", base.Add(time.Duration(i)*time.Second))
	}

	pruned, err := storage.PruneEvents(ctx, "job-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 3 {
		t.Errorf("Expected 3 pruned events, got %d", pruned)
	}

	events, _ := storage.ListEvents(ctx, "job-1", 0)
	if len(events) != 2 {
		t.Errorf("Expected 2 surviving events, got %d", len(events))
	}

	// Pruning below the threshold is a no-op
	pruned, err = storage.PruneEvents(ctx, "job-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("Expected nothing pruned, got %d", pruned)
	}
}
