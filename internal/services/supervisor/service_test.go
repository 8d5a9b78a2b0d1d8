package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
	"github.com/ternarybob/skrapp/internal/storage/sqlite"
)

// fakeRunner stands in for a crawl engine: it blocks like a real engine
// until its context is cancelled or the test releases it.
type fakeRunner struct {
	started chan struct{}
	release chan struct{}
	runErr  error
}

func (r *fakeRunner) Run(ctx context.Context) error {
	close(r.started)
	select {
	case <-ctx.Done():
	case <-r.release:
	}
	return r.runErr
}

type fakeFactory struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{runners: make(map[string]*fakeRunner)}
}

func (f *fakeFactory) build(job *models.CrawlJob, workerID string) interfaces.JobRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	f.runners[job.ID] = r
	return r
}

func (f *fakeFactory) runner(jobID string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[jobID]
}

func (f *fakeFactory) launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runners)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (f *fakeFinalizer) Finalize(ctx context.Context, job *models.CrawlJob) error {
	f.mu.Lock()
	f.calls = append(f.calls, job.ID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newTestSupervisor builds a supervisor over a real sqlite store with fake
// engines. Tests drive the individual phases directly instead of running
// the polling loop; the service is marked running so launch() registers
// engines and Stop() can drain them.
func newTestSupervisor(t *testing.T, mutate func(*common.Config)) (*Service, *fakeFactory, *fakeFinalizer) {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Output.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.NewManager(&common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "skrapp.db"),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	}, arbor.NewLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	factory := newFakeFactory()
	fin := &fakeFinalizer{}
	svc := NewService(store, nil, fin, factory.build, cfg, arbor.NewLogger())
	svc.running = true
	svc.stopCh = make(chan struct{})
	t.Cleanup(svc.Stop)

	return svc, factory, fin
}

func createJob(t *testing.T, svc *Service, id string, mutate func(*models.CrawlJob)) *models.CrawlJob {
	t.Helper()

	now := time.Now().UTC()
	job := &models.CrawlJob{
		ID:    id,
		Name:  id,
		State: models.JobStateQueued,
		Config: models.JobConfig{
			SeedURL:     "https://docs.example.com/",
			AllowedHost: "docs.example.com",
			MaxPages:    50,
			MaxDepth:    5,
		},
		SiteStatus: models.SiteStatusOK,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(job)
	}
	if err := svc.store.JobStorage().CreateJob(context.Background(), job); err != nil {
		t.Fatalf("failed to create job %s: %v", id, err)
	}
	return job
}

func getJob(t *testing.T, svc *Service, id string) *models.CrawlJob {
	t.Helper()
	job, err := svc.store.JobStorage().GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load job %s: %v", id, err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptrTime(v time.Time) *time.Time { return &v }

func TestClaimJobs_LaunchesEngines(t *testing.T) {
	svc, factory, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	createJob(t, svc, "job-a", nil)
	createJob(t, svc, "job-b", nil)

	svc.claimJobs(ctx)

	if got := svc.ActiveEngines(); got != 2 {
		t.Fatalf("active engines = %d, want 2", got)
	}

	workers := map[string]bool{}
	for _, id := range []string{"job-a", "job-b"} {
		r := factory.runner(id)
		if r == nil {
			t.Fatalf("no engine built for %s", id)
		}
		waitFor(t, id+" runner start", func() bool {
			select {
			case <-r.started:
				return true
			default:
				return false
			}
		})

		job := getJob(t, svc, id)
		if job.State != models.JobStateRunning {
			t.Errorf("%s state = %s, want running", id, job.State)
		}
		if job.WorkerID == "" {
			t.Errorf("%s has no worker id", id)
		}
		workers[job.WorkerID] = true
		if job.StartedAt == nil || job.HeartbeatAt == nil {
			t.Errorf("%s missing claim timestamps", id)
		}
	}
	if len(workers) != 2 {
		t.Errorf("worker ids not distinct: %v", workers)
	}

	events, err := svc.store.EventStorage().ListEvents(ctx, "job-a", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == models.EventStateChange && ev.Message == "Job claimed" {
			found = true
		}
	}
	if !found {
		t.Error("no claim event logged")
	}
}

func TestClaimJobs_RespectsCapacity(t *testing.T) {
	svc, factory, _ := newTestSupervisor(t, func(cfg *common.Config) {
		cfg.Supervisor.MaxConcurrentJobs = 1
	})
	ctx := context.Background()
	now := time.Now().UTC()

	createJob(t, svc, "job-first", func(j *models.CrawlJob) {
		j.CreatedAt = now.Add(-time.Minute)
	})
	createJob(t, svc, "job-second", nil)

	svc.claimJobs(ctx)

	if got := svc.ActiveEngines(); got != 1 {
		t.Fatalf("active engines = %d, want 1", got)
	}
	if factory.launched() != 1 {
		t.Fatalf("launched = %d, want 1", factory.launched())
	}
	if got := getJob(t, svc, "job-first").State; got != models.JobStateRunning {
		t.Errorf("oldest job state = %s, want running", got)
	}
	if got := getJob(t, svc, "job-second").State; got != models.JobStateQueued {
		t.Errorf("second job state = %s, want queued", got)
	}

	// Capacity frees when the engine drains, and the next tick claims the
	// waiting job.
	close(factory.runner("job-first").release)
	waitFor(t, "first engine to drain", func() bool { return svc.ActiveEngines() == 0 })

	svc.claimJobs(ctx)
	if got := getJob(t, svc, "job-second").State; got != models.JobStateRunning {
		t.Errorf("second job state after reclaim = %s, want running", got)
	}
}

func TestClassifyStuck(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	now := time.Now().UTC()

	cases := []struct {
		name string
		job  *models.CrawlJob
		want stuckKind
	}{
		{
			name: "healthy job",
			job: &models.CrawlJob{
				PagesFetched:   3,
				StartedAt:      ptrTime(now.Add(-10 * time.Minute)),
				HeartbeatAt:    ptrTime(now.Add(-5 * time.Second)),
				LastProgressAt: ptrTime(now.Add(-5 * time.Second)),
			},
			want: stuckNone,
		},
		{
			name: "orphaned after heartbeat lapse",
			job: &models.CrawlJob{
				PagesFetched: 3,
				StartedAt:    ptrTime(now.Add(-10 * time.Minute)),
				HeartbeatAt:  ptrTime(now.Add(-130 * time.Second)),
			},
			want: stuckOrphaned,
		},
		{
			name: "stalled with pages fetched",
			job: &models.CrawlJob{
				PagesFetched:   5,
				StartedAt:      ptrTime(now.Add(-10 * time.Minute)),
				HeartbeatAt:    ptrTime(now.Add(-5 * time.Second)),
				LastProgressAt: ptrTime(now.Add(-310 * time.Second)),
			},
			want: stuckStalled,
		},
		{
			name: "progress falls back to started_at",
			job: &models.CrawlJob{
				PagesFetched: 5,
				StartedAt:    ptrTime(now.Add(-400 * time.Second)),
				HeartbeatAt:  ptrTime(now.Add(-5 * time.Second)),
			},
			want: stuckStalled,
		},
		{
			name: "hard stall at zero pages",
			job: &models.CrawlJob{
				StartedAt:   ptrTime(now.Add(-200 * time.Second)),
				HeartbeatAt: ptrTime(now.Add(-5 * time.Second)),
			},
			want: stuckHardStalled,
		},
		{
			name: "orphaned wins over hard stall",
			job: &models.CrawlJob{
				StartedAt:   ptrTime(now.Add(-200 * time.Second)),
				HeartbeatAt: ptrTime(now.Add(-130 * time.Second)),
			},
			want: stuckOrphaned,
		},
		{
			name: "zero pages inside startup grace",
			job: &models.CrawlJob{
				StartedAt:   ptrTime(now.Add(-100 * time.Second)),
				HeartbeatAt: ptrTime(now.Add(-5 * time.Second)),
			},
			want: stuckNone,
		},
		{
			name: "missing heartbeat falls back to started_at",
			job: &models.CrawlJob{
				PagesFetched: 1,
				StartedAt:    ptrTime(now.Add(-130 * time.Second)),
			},
			want: stuckOrphaned,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.classifyStuck(tc.job, now)
			if got.kind != tc.want {
				t.Errorf("kind = %d, want %d", got.kind, tc.want)
			}
		})
	}
}

func TestSuperviseRunning_RestartsOrphanedJob(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// A previous process claimed the job and died: running row with a stale
	// heartbeat, no engine here.
	createJob(t, svc, "job-orphan", func(j *models.CrawlJob) {
		j.State = models.JobStateRunning
		j.WorkerID = "w-dead"
		j.PagesFetched = 3
		j.StartedAt = ptrTime(now.Add(-10 * time.Minute))
		j.HeartbeatAt = ptrTime(now.Add(-3 * time.Minute))
		j.LastProgressAt = ptrTime(now.Add(-time.Minute))
	})

	// One URL the dead worker still holds a lease on.
	entry := &models.FrontierEntry{
		JobID:        "job-orphan",
		CanonicalURL: "https://docs.example.com/guide",
		SourceURL:    "https://docs.example.com/guide",
		State:        models.URLStateQueued,
		EnqueuedAt:   now,
	}
	if _, err := svc.store.FrontierStorage().EnqueueURL(ctx, entry); err != nil {
		t.Fatalf("failed to enqueue url: %v", err)
	}
	if _, err := svc.store.FrontierStorage().LeaseURLs(ctx, "job-orphan", "w-dead", 1, 30*time.Second); err != nil {
		t.Fatalf("failed to lease url: %v", err)
	}

	svc.superviseRunning(ctx)

	job := getJob(t, svc, "job-orphan")
	if job.State != models.JobStateQueued {
		t.Fatalf("state = %s, want queued", job.State)
	}
	if job.RestartCount != 1 {
		t.Errorf("restart count = %d, want 1", job.RestartCount)
	}

	got, err := svc.store.FrontierStorage().GetEntry(ctx, "job-orphan", "https://docs.example.com/guide")
	if err != nil {
		t.Fatalf("failed to load frontier entry: %v", err)
	}
	if got.State != models.URLStateQueued {
		t.Errorf("frontier entry state = %s, want queued", got.State)
	}
	if got.LeasedBy != "" {
		t.Errorf("frontier entry still leased by %q", got.LeasedBy)
	}

	events, err := svc.store.EventStorage().ListEvents(ctx, "job-orphan", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == models.EventRestart {
			found = true
			if ev.Level != models.EventLevelWarn {
				t.Errorf("restart event level = %s, want warn", ev.Level)
			}
		}
	}
	if !found {
		t.Error("no restart event logged")
	}
}

func TestSuperviseRunning_FailsAfterRestartBudget(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	createJob(t, svc, "job-spent", func(j *models.CrawlJob) {
		j.State = models.JobStateRunning
		j.WorkerID = "w-dead"
		j.PagesFetched = 2
		j.RestartCount = svc.config.Supervisor.MaxRestarts
		j.StartedAt = ptrTime(now.Add(-30 * time.Minute))
		j.HeartbeatAt = ptrTime(now.Add(-3 * time.Minute))
	})

	svc.superviseRunning(ctx)

	job := getJob(t, svc, "job-spent")
	if job.State != models.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.HasPrefix(job.LastError, models.FailReasonOrphaned+":") {
		t.Errorf("last error = %q, want %s prefix", job.LastError, models.FailReasonOrphaned)
	}
	if !strings.Contains(job.LastError, "restart budget spent") {
		t.Errorf("last error = %q, want restart budget note", job.LastError)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}
}

func TestSuperviseRunning_HardStallFailsImmediately(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Heartbeats are fresh but the engine never completed a single fetch.
	createJob(t, svc, "job-dead-start", func(j *models.CrawlJob) {
		j.State = models.JobStateRunning
		j.WorkerID = "w-1"
		j.StartedAt = ptrTime(now.Add(-200 * time.Second))
		j.HeartbeatAt = ptrTime(now.Add(-2 * time.Second))
	})

	svc.superviseRunning(ctx)

	job := getJob(t, svc, "job-dead-start")
	if job.State != models.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.HasPrefix(job.LastError, models.FailReasonHardStalled+":") {
		t.Errorf("last error = %q, want %s prefix", job.LastError, models.FailReasonHardStalled)
	}
	if job.RestartCount != 0 {
		t.Errorf("restart count = %d, hard stall must not restart", job.RestartCount)
	}
}

func TestExpireJobs(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	createJob(t, svc, "job-old", func(j *models.CrawlJob) {
		j.CreatedAt = now.Add(-25 * time.Hour)
		j.ExpiresAt = now.Add(-time.Minute)
	})
	createJob(t, svc, "job-live", nil)

	svc.expireJobs(ctx)

	old := getJob(t, svc, "job-old")
	if old.State != models.JobStateExpired {
		t.Fatalf("state = %s, want expired", old.State)
	}
	if !strings.HasPrefix(old.LastError, "expired:") {
		t.Errorf("last error = %q, want expired prefix", old.LastError)
	}
	if old.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}
	if got := getJob(t, svc, "job-live").State; got != models.JobStateQueued {
		t.Errorf("live job state = %s, want queued", got)
	}
}

func TestExpireJobs_CancelsLiveEngine(t *testing.T) {
	svc, factory, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	createJob(t, svc, "job-doomed", func(j *models.CrawlJob) {
		j.ExpiresAt = now.Add(-time.Minute)
	})

	svc.claimJobs(ctx)
	r := factory.runner("job-doomed")
	if r == nil {
		t.Fatal("engine not launched")
	}
	waitFor(t, "runner start", func() bool {
		select {
		case <-r.started:
			return true
		default:
			return false
		}
	})

	svc.expireJobs(ctx)

	if got := getJob(t, svc, "job-doomed").State; got != models.JobStateExpired {
		t.Fatalf("state = %s, want expired", got)
	}
	// Cancellation must propagate; the runner exits on ctx.Done without the
	// test releasing it.
	waitFor(t, "engine to drain", func() bool { return svc.ActiveEngines() == 0 })
}

func TestDispatchFinalizing(t *testing.T) {
	svc, _, fin := newTestSupervisor(t, nil)
	ctx := context.Background()
	fin.block = make(chan struct{})

	createJob(t, svc, "job-fin", func(j *models.CrawlJob) {
		j.State = models.JobStateFinalizing
	})

	svc.dispatchFinalizing(ctx)
	waitFor(t, "finalizer call", func() bool { return fin.callCount() == 1 })

	// Still in flight: a second pass must not double-dispatch.
	svc.dispatchFinalizing(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := fin.callCount(); got != 1 {
		t.Fatalf("finalizer calls = %d, want 1 while in flight", got)
	}
	close(fin.block)
}

func TestDispatchFinalizing_SkipsLiveEngine(t *testing.T) {
	svc, _, fin := newTestSupervisor(t, nil)
	ctx := context.Background()

	createJob(t, svc, "job-fin-live", func(j *models.CrawlJob) {
		j.State = models.JobStateFinalizing
	})

	// The engine that owns this job is still finishing its own finalize.
	svc.mu.Lock()
	svc.engines["job-fin-live"] = &engineHandle{workerID: "w-1", cancel: func() {}}
	svc.mu.Unlock()

	svc.dispatchFinalizing(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := fin.callCount(); got != 0 {
		t.Fatalf("finalizer calls = %d, want 0 with live engine", got)
	}

	svc.mu.Lock()
	delete(svc.engines, "job-fin-live")
	svc.mu.Unlock()

	svc.dispatchFinalizing(ctx)
	waitFor(t, "finalizer call after engine gone", func() bool { return fin.callCount() == 1 })
}

func TestRunMaintenance_RemovesExpiredOutput(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	retention := time.Duration(svc.config.Jobs.RetentionDays) * 24 * time.Hour

	seedOutput := func(id string) string {
		dir := common.JobOutputDir(svc.config.Output.Dir, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create output dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "pages.jsonl"), []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("failed to write output file: %v", err)
		}
		return dir
	}

	createJob(t, svc, "job-ancient", func(j *models.CrawlJob) {
		j.State = models.JobStateExpired
		j.CreatedAt = now.Add(-retention - 48*time.Hour)
		j.ExpiresAt = now.Add(-retention - 24*time.Hour)
		j.FinishedAt = ptrTime(now.Add(-retention - 24*time.Hour))
	})
	ancientDir := seedOutput("job-ancient")
	if err := svc.store.ArtifactStorage().RegisterArtifact(ctx, &models.JobArtifact{
		JobID:     "job-ancient",
		Kind:      models.ArtifactPages,
		Path:      filepath.Join(ancientDir, "pages.jsonl"),
		Bytes:     3,
		CreatedAt: now.Add(-retention - 24*time.Hour),
	}); err != nil {
		t.Fatalf("failed to register artifact: %v", err)
	}

	createJob(t, svc, "job-recent", func(j *models.CrawlJob) {
		j.State = models.JobStateExpired
		j.FinishedAt = ptrTime(now.Add(-24 * time.Hour))
	})
	recentDir := seedOutput("job-recent")

	// Done jobs keep their output no matter how old.
	createJob(t, svc, "job-done", func(j *models.CrawlJob) {
		j.State = models.JobStateDone
		j.FinishedAt = ptrTime(now.Add(-retention - 24*time.Hour))
	})
	doneDir := seedOutput("job-done")

	svc.runMaintenance()

	if _, err := os.Stat(ancientDir); !os.IsNotExist(err) {
		t.Errorf("expired output dir still present: %v", err)
	}
	artifacts, err := svc.store.ArtifactStorage().ListArtifacts(ctx, "job-ancient")
	if err != nil {
		t.Fatalf("failed to list artifacts: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0 after cleanup", len(artifacts))
	}
	if _, err := os.Stat(recentDir); err != nil {
		t.Errorf("recent expired output removed: %v", err)
	}
	if _, err := os.Stat(doneDir); err != nil {
		t.Errorf("done job output removed: %v", err)
	}
}

func TestRunMaintenance_PrunesEvents(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	createJob(t, svc, "job-noisy", func(j *models.CrawlJob) {
		j.State = models.JobStateDone
		j.FinishedAt = ptrTime(now)
	})
	for i := 0; i < eventKeepCount+10; i++ {
		ev := &models.JobEvent{
			ID:        common.NewEventID(),
			JobID:     "job-noisy",
			Level:     models.EventLevelDebug,
			Type:      models.EventProgress,
			Message:   fmt.Sprintf("progress %d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := svc.store.EventStorage().LogEvent(ctx, ev); err != nil {
			t.Fatalf("failed to log event: %v", err)
		}
	}

	svc.runMaintenance()

	events, err := svc.store.EventStorage().ListEvents(ctx, "job-noisy", eventKeepCount*2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != eventKeepCount {
		t.Errorf("events = %d, want %d after prune", len(events), eventKeepCount)
	}
	// Newest survive.
	if events[0].Message != fmt.Sprintf("progress %d", eventKeepCount+9) {
		t.Errorf("newest event = %q", events[0].Message)
	}
}

func TestRunMaintenance_RetentionDisabled(t *testing.T) {
	svc, _, _ := newTestSupervisor(t, func(cfg *common.Config) {
		cfg.Jobs.RetentionDays = 0
	})
	now := time.Now().UTC()

	createJob(t, svc, "job-kept", func(j *models.CrawlJob) {
		j.State = models.JobStateExpired
		j.CreatedAt = now.Add(-90 * 24 * time.Hour)
		j.ExpiresAt = now.Add(-89 * 24 * time.Hour)
		j.FinishedAt = ptrTime(now.Add(-89 * 24 * time.Hour))
	})
	dir := common.JobOutputDir(svc.config.Output.Dir, "job-kept")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create output dir: %v", err)
	}

	svc.runMaintenance()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("output dir removed with retention disabled: %v", err)
	}
}

func TestStop_DrainsEngines(t *testing.T) {
	svc, factory, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	createJob(t, svc, "job-x", nil)
	svc.claimJobs(ctx)

	r := factory.runner("job-x")
	if r == nil {
		t.Fatal("engine not launched")
	}
	waitFor(t, "runner start", func() bool {
		select {
		case <-r.started:
			return true
		default:
			return false
		}
	})

	// Stop cancels the engine context and blocks until the goroutine exits.
	svc.Stop()
	if got := svc.ActiveEngines(); got != 0 {
		t.Errorf("active engines after stop = %d, want 0", got)
	}
}
