package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func testJob(id string, createdAt time.Time) *models.CrawlJob {
	return &models.CrawlJob{
		ID:    id,
		Name:  "docs crawl " + id,
		State: models.JobStateQueued,
		Config: models.JobConfig{
			SeedURL:     "https://docs.example.com/",
			AllowedHost: "docs.example.com",
			MaxPages:    100,
			MaxDepth:    20,
		},
		SiteStatus: models.SiteStatusOK,
		Strategy:   models.StrategyHTTP,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(24 * time.Hour),
	}
}

func TestClaimNextQueuedJobOldestFirst(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"job-c", "job-a", "job-b"} {
		// job-c is the oldest, job-b the newest
		if err := storage.CreateJob(ctx, testJob(id, now.Add(time.Duration(i-3)*time.Minute))); err != nil {
			t.Fatalf("Failed to create job %s: %v", id, err)
		}
	}

	// 1. First claim takes the oldest job and stamps the lease bookkeeping
	claimed, err := storage.ClaimNextQueuedJob(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if claimed.ID != "job-c" {
		t.Errorf("Expected oldest job job-c, got %s", claimed.ID)
	}
	if claimed.State != models.JobStateRunning {
		t.Errorf("Expected running state, got %s", claimed.State)
	}
	if claimed.WorkerID != "worker-1" {
		t.Errorf("Expected worker-1, got %s", claimed.WorkerID)
	}
	if claimed.StartedAt == nil || claimed.HeartbeatAt == nil {
		t.Error("Expected started_at and heartbeat_at to be stamped")
	}

	// 2. A second claimer gets the next job, never the same one
	second, err := storage.ClaimNextQueuedJob(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Failed to claim second job: %v", err)
	}
	if second.ID != "job-a" {
		t.Errorf("Expected job-a, got %s", second.ID)
	}

	// 3. Drain the queue
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatalf("Failed to claim third job: %v", err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); !errors.Is(err, models.ErrNoQueuedJobs) {
		t.Errorf("Expected ErrNoQueuedJobs, got %v", err)
	}
}

func TestSetStateTransitions(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	// Illegal edge leaves the row untouched
	err := storage.SetState(ctx, "job-1", models.JobStateQueued, models.JobStateFinalizing, "")
	var te *models.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransitionError, got %v", err)
	}
	job, err := storage.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != models.JobStateQueued {
		t.Errorf("Expected state untouched after illegal transition, got %s", job.State)
	}

	// Normal path: queued -> running -> finalizing -> done
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := storage.SetState(ctx, "job-1", models.JobStateRunning, models.JobStateFinalizing, ""); err != nil {
		t.Fatalf("running -> finalizing failed: %v", err)
	}
	if err := storage.SetState(ctx, "job-1", models.JobStateFinalizing, models.JobStateDone, ""); err != nil {
		t.Fatalf("finalizing -> done failed: %v", err)
	}

	job, _ = storage.GetJob(ctx, "job-1")
	if job.FinishedAt == nil {
		t.Error("Expected finished_at stamped on terminal state")
	}

	// Terminal states admit nothing
	err = storage.SetState(ctx, "job-1", models.JobStateDone, models.JobStateRunning, "")
	if !errors.As(err, &te) {
		t.Errorf("Expected TransitionError from done, got %v", err)
	}
}

func TestSetStateStaleFromMismatch(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	// A caller still believing the job is queued must not move it
	err := storage.SetState(ctx, "job-1", models.JobStateQueued, models.JobStateRunning, "")
	var te *models.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransitionError on stale from, got %v", err)
	}
	if te.From != models.JobStateRunning {
		t.Errorf("Expected error to carry the actual state running, got %s", te.From)
	}
}

func TestSupervisorRestartEdge(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := storage.RecordProgress(ctx, "job-1", interfaces.ProgressDelta{PagesFetched: 7, PagesPassed: 5}); err != nil {
		t.Fatal(err)
	}

	// running -> queued is the restart path: worker detached, counters kept
	if err := storage.SetState(ctx, "job-1", models.JobStateRunning, models.JobStateQueued, ""); err != nil {
		t.Fatalf("running -> queued failed: %v", err)
	}
	if err := storage.IncrementRestartCount(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	job, err := storage.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.WorkerID != "" {
		t.Errorf("Expected worker cleared on restart, got %s", job.WorkerID)
	}
	if job.HeartbeatAt != nil {
		t.Error("Expected heartbeat cleared on restart")
	}
	if job.PagesFetched != 7 || job.PagesPassed != 5 {
		t.Errorf("Expected counters preserved, got fetched=%d passed=%d", job.PagesFetched, job.PagesPassed)
	}
	if job.RestartCount != 1 {
		t.Errorf("Expected restart_count 1, got %d", job.RestartCount)
	}

	// The restarted job is claimable again
	reclaimed, err := storage.ClaimNextQueuedJob(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Failed to reclaim restarted job: %v", err)
	}
	if reclaimed.ID != "job-1" || reclaimed.WorkerID != "worker-2" {
		t.Errorf("Expected job-1 reclaimed by worker-2, got %s/%s", reclaimed.ID, reclaimed.WorkerID)
	}
}

func TestFailureReasonLandsInLastError(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	reason := models.FailReasonHardStalled + ": no pages fetched in 180s"
	if err := storage.SetState(ctx, "job-1", models.JobStateRunning, models.JobStateFailed, reason); err != nil {
		t.Fatal(err)
	}

	job, _ := storage.GetJob(ctx, "job-1")
	if job.LastError != reason {
		t.Errorf("Expected last_error %q, got %q", reason, job.LastError)
	}
}

func TestHeartbeatIgnoredForSupersededWorker(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	// Queued job: heartbeat is a no-op
	if err := storage.Heartbeat(ctx, "job-1"); err != nil {
		t.Fatalf("Heartbeat on queued job should not error: %v", err)
	}
	job, _ := storage.GetJob(ctx, "job-1")
	if job.HeartbeatAt != nil {
		t.Error("Expected no heartbeat on queued job")
	}

	// Running job: heartbeat advances
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	before, _ := storage.GetJob(ctx, "job-1")
	time.Sleep(5 * time.Millisecond)
	if err := storage.Heartbeat(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	after, _ := storage.GetJob(ctx, "job-1")
	if !after.HeartbeatAt.After(*before.HeartbeatAt) {
		t.Error("Expected heartbeat to advance on running job")
	}
}

func TestRecordProgressMovesProgressClock(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	baseline, _ := storage.GetJob(ctx, "job-1")

	// Error-only delta: counters move, progress clock does not
	if err := storage.RecordProgress(ctx, "job-1", interfaces.ProgressDelta{ErrorCount: 1}); err != nil {
		t.Fatal(err)
	}
	job, _ := storage.GetJob(ctx, "job-1")
	if job.ErrorCount != 1 {
		t.Errorf("Expected error_count 1, got %d", job.ErrorCount)
	}
	if !job.LastProgressAt.Equal(*baseline.LastProgressAt) {
		t.Error("Expected last_progress_at unchanged for error-only delta")
	}

	// Fetch completion advances the progress clock
	time.Sleep(5 * time.Millisecond)
	if err := storage.RecordProgress(ctx, "job-1", interfaces.ProgressDelta{PagesFetched: 1, PagesPassed: 1}); err != nil {
		t.Fatal(err)
	}
	job, _ = storage.GetJob(ctx, "job-1")
	if job.PagesFetched != 1 || job.PagesPassed != 1 {
		t.Errorf("Expected counters 1/1, got %d/%d", job.PagesFetched, job.PagesPassed)
	}
	if !job.LastProgressAt.After(*baseline.LastProgressAt) {
		t.Error("Expected last_progress_at to advance after a fetch completion")
	}
}

func TestRecordProgressFrozenAfterTerminal(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := storage.RecordProgress(ctx, "job-1", interfaces.ProgressDelta{PagesFetched: 4, PagesPassed: 3}); err != nil {
		t.Fatal(err)
	}
	if err := storage.SetState(ctx, "job-1", models.JobStateRunning, models.JobStateExpired, "retention window elapsed"); err != nil {
		t.Fatal(err)
	}

	// A worker draining after the expiry reports one more completion
	if err := storage.RecordProgress(ctx, "job-1", interfaces.ProgressDelta{PagesFetched: 1, ErrorCount: 1}); err != nil {
		t.Fatal(err)
	}
	job, _ := storage.GetJob(ctx, "job-1")
	if job.PagesFetched != 4 || job.ErrorCount != 0 {
		t.Errorf("Terminal counters moved: fetched=%d errors=%d", job.PagesFetched, job.ErrorCount)
	}
}

func TestRequestCancel(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.CreateJob(ctx, testJob("job-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	if err := storage.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	job, _ := storage.GetJob(ctx, "job-1")
	if !job.CancelRequested {
		t.Error("Expected cancel_requested set")
	}
	if job.State != models.JobStateQueued {
		t.Errorf("Cancel flag must not change state, got %s", job.State)
	}

	if err := storage.RequestCancel(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobsFiltering(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		job := testJob("job-"+string(rune('a'+i)), now.Add(time.Duration(i)*time.Minute))
		if err := storage.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := storage.ClaimNextQueuedJob(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	running, err := storage.ListJobsByState(ctx, models.JobStateRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "job-a" {
		t.Errorf("Expected only job-a running, got %d jobs", len(running))
	}

	queued, err := storage.ListJobsByState(ctx, models.JobStateQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 3 {
		t.Errorf("Expected 3 queued jobs, got %d", len(queued))
	}
	// Newest first
	if queued[0].ID != "job-d" {
		t.Errorf("Expected newest job first, got %s", queued[0].ID)
	}

	page, err := storage.ListJobs(ctx, interfaces.JobFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("Expected 2 jobs with limit/offset, got %d", len(page))
	}
}
