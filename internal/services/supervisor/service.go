package supervisor

// service.go is the single background loop that converges every job to a
// correct state: claiming queued jobs into crawl engines, restarting or
// failing stuck ones, reclaiming lapsed URL leases, enforcing job TTLs,
// re-dispatching crashed finalization, and hourly housekeeping. The
// supervisor is the only writer of stuck-job transitions; engines write
// running→finalizing plus heartbeat and progress, nothing else.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/metrics"
	"github.com/ternarybob/skrapp/internal/models"
)

// eventKeepCount is how many crawl log entries maintenance keeps per
// terminal job.
const eventKeepCount = 1000

// stuckKind classifies why a running job needs intervention
type stuckKind int

const (
	stuckNone stuckKind = iota
	stuckOrphaned
	stuckStalled
	stuckHardStalled
)

// stuckVerdict carries the classification and the age that tripped it
type stuckVerdict struct {
	kind stuckKind
	age  time.Duration
}

// engineHandle tracks one in-process engine
type engineHandle struct {
	workerID string
	cancel   context.CancelFunc
}

// Service runs the supervision loop. One instance per process.
type Service struct {
	store     interfaces.StorageManager
	events    interfaces.EventService
	finalizer interfaces.Finalizer
	factory   interfaces.EngineFactory
	config    *common.Config
	logger    arbor.ILogger
	cron      *cron.Cron

	mu         sync.Mutex
	engines    map[string]*engineHandle
	finalizing map[string]bool
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewService creates a supervisor. factory builds one engine per claimed
// job; finalizer handles crash-orphaned finalizing jobs.
func NewService(store interfaces.StorageManager, events interfaces.EventService, finalizer interfaces.Finalizer, factory interfaces.EngineFactory, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		store:      store,
		events:     events,
		finalizer:  finalizer,
		factory:    factory,
		config:     config,
		logger:     logger,
		cron:       cron.New(),
		engines:    make(map[string]*engineHandle),
		finalizing: make(map[string]bool),
	}
}

// Start launches the supervision loop and the maintenance schedule.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor already running")
	}

	schedule := s.config.Supervisor.MaintenanceSchedule
	if schedule == "" {
		schedule = "0 * * * *"
	}
	if _, err := s.cron.AddFunc(schedule, s.runMaintenance); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	s.cron.Start()

	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.loop()

	s.logger.Info().
		Dur("poll_interval", s.config.Supervisor.PollInterval()).
		Int("max_concurrent_jobs", s.maxConcurrent()).
		Str("maintenance_schedule", schedule).
		Msg("Supervisor started")
	return nil
}

// Stop halts supervision: no new claims, every engine's context is
// cancelled, and the call blocks until engines finish their drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for _, handle := range s.engines {
		handle.cancel()
	}
	s.mu.Unlock()

	s.cron.Stop()
	s.wg.Wait()
	s.logger.Info().Msg("Supervisor stopped")
}

// ActiveEngines reports how many engines this process is running.
func (s *Service) ActiveEngines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Supervisor.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick runs one supervision pass. Each phase is independent; an error in
// one is logged and the rest still run.
func (s *Service) tick(ctx context.Context) {
	s.claimJobs(ctx)
	s.superviseRunning(ctx)
	s.expireJobs(ctx)
	s.dispatchFinalizing(ctx)
}

func (s *Service) maxConcurrent() int {
	if s.config.Supervisor.MaxConcurrentJobs > 0 {
		return s.config.Supervisor.MaxConcurrentJobs
	}
	return 4
}

func (s *Service) capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent() - len(s.engines)
}

// claimJobs pulls queued jobs into engines while capacity remains.
func (s *Service) claimJobs(ctx context.Context) {
	for s.capacity() > 0 {
		workerID := common.NewWorkerID()
		job, err := s.store.JobStorage().ClaimNextQueuedJob(ctx, workerID)
		if err != nil {
			if !errors.Is(err, models.ErrNoQueuedJobs) {
				s.logger.Warn().Err(err).Msg("Failed to claim queued job")
			}
			return
		}
		s.launch(job, workerID)
	}
}

// launch starts one engine goroutine for a freshly claimed job.
func (s *Service) launch(job *models.CrawlJob, workerID string) {
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if !s.running {
		// Stop raced the claim. Leave the row claimed; orphan detection
		// recovers it after restart.
		s.mu.Unlock()
		cancel()
		return
	}
	s.engines[job.ID] = &engineHandle{workerID: workerID, cancel: cancel}
	s.mu.Unlock()

	s.logEvent(context.Background(), job.ID, models.EventLevelInfo, models.EventStateChange,
		"Job claimed", map[string]interface{}{
			"state":     string(models.JobStateRunning),
			"worker_id": workerID,
			"restart":   job.RestartCount > 0,
		})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id": job.ID,
		"state":  string(models.JobStateRunning),
	})
	s.logger.Info().
		Str("job_id", job.ID).
		Str("worker_id", workerID).
		Int("restart_count", job.RestartCount).
		Msg("Job claimed")

	runner := s.factory(job, workerID)
	s.wg.Add(1)
	common.SafeGo(s.logger, "engine:"+job.ID, func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.engines, job.ID)
			s.mu.Unlock()
		}()

		if err := runner.Run(runCtx); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Engine exited with error")
		}
	})
}

// superviseRunning reclaims lapsed leases and applies the stuck-job
// policy to every running job.
func (s *Service) superviseRunning(ctx context.Context) {
	jobs, err := s.store.JobStorage().ListJobsByState(ctx, models.JobStateRunning)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list running jobs")
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if n, err := s.store.FrontierStorage().ExpireStaleLeases(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to expire stale leases")
		} else if n > 0 {
			s.logger.Debug().Str("job_id", job.ID).Int("reclaimed", n).Msg("Reclaimed lapsed URL leases")
		}

		verdict := s.classifyStuck(job, now)
		switch verdict.kind {
		case stuckNone:
			continue
		case stuckHardStalled:
			detail := fmt.Sprintf("no pages in %ds", int(verdict.age.Seconds()))
			s.failStuck(ctx, job, models.FailReasonHardStalled, detail)
		case stuckOrphaned:
			detail := fmt.Sprintf("no heartbeat in %ds", int(verdict.age.Seconds()))
			s.restartOrFail(ctx, job, models.FailReasonOrphaned, detail)
		case stuckStalled:
			detail := fmt.Sprintf("no progress in %ds", int(verdict.age.Seconds()))
			s.restartOrFail(ctx, job, models.FailReasonStalled, detail)
		}
	}
}

// classifyStuck applies the three thresholds in order: orphaned, stalled,
// hard-stalled. Missing timestamps fall back to coarser ones so a row
// written by an older process version still classifies.
func (s *Service) classifyStuck(job *models.CrawlJob, now time.Time) stuckVerdict {
	sup := &s.config.Supervisor

	beat := job.CreatedAt
	if job.StartedAt != nil {
		beat = *job.StartedAt
	}
	if job.HeartbeatAt != nil {
		beat = *job.HeartbeatAt
	}
	if age := now.Sub(beat); age > sup.OrphanedThreshold() {
		return stuckVerdict{kind: stuckOrphaned, age: age}
	}

	progress := beat
	if job.LastProgressAt != nil {
		progress = *job.LastProgressAt
	} else if job.StartedAt != nil {
		progress = *job.StartedAt
	}
	if age := now.Sub(progress); job.PagesFetched > 0 && age > sup.StalledThreshold() {
		return stuckVerdict{kind: stuckStalled, age: age}
	}

	if job.PagesFetched == 0 && job.StartedAt != nil {
		if age := now.Sub(*job.StartedAt); age > sup.HardStalledThreshold() {
			return stuckVerdict{kind: stuckHardStalled, age: age}
		}
	}

	return stuckVerdict{kind: stuckNone}
}

// restartOrFail restarts a stuck job while it has restart budget, and
// fails it once the budget is spent.
func (s *Service) restartOrFail(ctx context.Context, job *models.CrawlJob, reason, detail string) {
	if job.RestartCount >= s.config.Supervisor.MaxRestarts {
		s.failStuck(ctx, job, reason, detail+fmt.Sprintf(", restart budget spent (%d)", job.RestartCount))
		return
	}
	s.cancelEngine(job.ID)

	if _, err := s.store.FrontierStorage().ResetNonTerminal(ctx, job.ID, false); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset frontier for restart")
		return
	}
	if err := s.store.JobStorage().IncrementRestartCount(ctx, job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to increment restart count")
		return
	}
	if err := s.store.JobStorage().SetState(ctx, job.ID, models.JobStateRunning, models.JobStateQueued, ""); err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			// The job moved on its own while we were deciding; leave it be.
			s.logger.Debug().Str("job_id", job.ID).Str("from", string(te.From)).Msg("Job left running before restart")
			return
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to re-queue stuck job")
		return
	}

	metrics.IncJobRestart(reason)
	s.logEvent(ctx, job.ID, models.EventLevelWarn, models.EventRestart,
		fmt.Sprintf("Restarting job: %s (%s)", reason, detail), map[string]interface{}{
			"reason":        reason,
			"detail":        detail,
			"restart_count": job.RestartCount + 1,
		})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":        job.ID,
		"state":         string(models.JobStateQueued),
		"restart_count": job.RestartCount + 1,
	})
	s.logger.Warn().
		Str("job_id", job.ID).
		Str("reason", reason).
		Str("detail", detail).
		Int("restart_count", job.RestartCount+1).
		Msg("Restarting stuck job")
}

// failStuck moves a running job to failed with a categorized reason.
func (s *Service) failStuck(ctx context.Context, job *models.CrawlJob, reason, detail string) {
	s.cancelEngine(job.ID)

	lastError := fmt.Sprintf("%s: %s", reason, detail)
	if err := s.store.JobStorage().SetState(ctx, job.ID, models.JobStateRunning, models.JobStateFailed, lastError); err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			s.logger.Debug().Str("job_id", job.ID).Str("from", string(te.From)).Msg("Job left running before failure")
			return
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stuck job")
		return
	}

	s.logEvent(ctx, job.ID, models.EventLevelError, models.EventStateChange, lastError, map[string]interface{}{
		"state":  string(models.JobStateFailed),
		"reason": reason,
	})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":     job.ID,
		"state":      string(models.JobStateFailed),
		"last_error": lastError,
	})
	s.logger.Error().
		Str("job_id", job.ID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Stuck job failed")
}

// expireJobs moves any non-terminal job past its TTL to expired. Expiry
// overrides running and finalizing; a cancelled engine that later reports
// finds the terminal state and abandons its write.
func (s *Service) expireJobs(ctx context.Context) {
	jobs, err := s.store.JobStorage().ListJobsByState(ctx,
		models.JobStateQueued, models.JobStateRunning, models.JobStateFinalizing)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list jobs for expiry")
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.ExpiresAt.IsZero() || now.Before(job.ExpiresAt) {
			continue
		}
		s.cancelEngine(job.ID)

		reason := fmt.Sprintf("expired: job ttl passed at %s", job.ExpiresAt.Format(time.RFC3339))
		if err := s.store.JobStorage().SetState(ctx, job.ID, job.State, models.JobStateExpired, reason); err != nil {
			var te *models.TransitionError
			if errors.As(err, &te) {
				continue
			}
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to expire job")
			continue
		}

		s.logEvent(ctx, job.ID, models.EventLevelWarn, models.EventStateChange, "Job expired", map[string]interface{}{
			"state":      string(models.JobStateExpired),
			"expires_at": job.ExpiresAt.Format(time.RFC3339),
		})
		s.publish(interfaces.EventJobUpdated, map[string]interface{}{
			"job_id": job.ID,
			"state":  string(models.JobStateExpired),
		})
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("previous_state", string(job.State)).
			Msg("Job expired")
	}
}

// dispatchFinalizing hands finalizing jobs with no live engine back to the
// finalizer. This is the crash path: the engine died between the
// running→finalizing transition and finalization finishing. Finalization
// is idempotent, so a re-run over partial output is safe.
func (s *Service) dispatchFinalizing(ctx context.Context) {
	jobs, err := s.store.JobStorage().ListJobsByState(ctx, models.JobStateFinalizing)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list finalizing jobs")
		return
	}

	for _, job := range jobs {
		s.mu.Lock()
		_, engineLive := s.engines[job.ID]
		inFlight := s.finalizing[job.ID]
		if engineLive || inFlight {
			s.mu.Unlock()
			continue
		}
		s.finalizing[job.ID] = true
		s.mu.Unlock()

		s.logger.Info().Str("job_id", job.ID).Msg("Re-dispatching orphaned finalization")

		job := job
		s.wg.Add(1)
		common.SafeGo(s.logger, "finalize:"+job.ID, func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.finalizing, job.ID)
				s.mu.Unlock()
			}()

			if err := s.finalizer.Finalize(context.Background(), job); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Re-dispatched finalization failed")
			}
		})
	}
}

// cancelEngine stops an in-process engine for a job, if one is live.
func (s *Service) cancelEngine(jobID string) {
	s.mu.Lock()
	handle, ok := s.engines[jobID]
	if ok {
		delete(s.engines, jobID)
	}
	s.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// runMaintenance is the hourly housekeeping pass: compact the event log of
// terminal jobs and drop the on-disk output of expired jobs past the
// retention window.
func (s *Service) runMaintenance() {
	ctx := context.Background()
	start := time.Now()

	jobs, err := s.store.JobStorage().ListJobsByState(ctx,
		models.JobStateDone, models.JobStateFailed, models.JobStateCancelled, models.JobStateExpired)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Maintenance: failed to list terminal jobs")
		return
	}

	pruned := 0
	cleaned := 0
	retention := time.Duration(s.config.Jobs.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	for _, job := range jobs {
		if n, err := s.store.EventStorage().PruneEvents(ctx, job.ID, eventKeepCount); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Maintenance: failed to prune events")
		} else {
			pruned += n
		}

		if job.State != models.JobStateExpired || retention <= 0 {
			continue
		}
		finished := job.ExpiresAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if finished.After(cutoff) {
			continue
		}

		if err := s.store.ArtifactStorage().DeleteJobArtifacts(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Maintenance: failed to delete artifacts")
			continue
		}
		if err := os.RemoveAll(common.JobOutputDir(s.config.Output.Dir, job.ID)); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Maintenance: failed to remove output directory")
			continue
		}
		cleaned++
		s.logger.Info().Str("job_id", job.ID).Msg("Maintenance: removed expired job output")
	}

	s.logger.Info().
		Int("terminal_jobs", len(jobs)).
		Int("events_pruned", pruned).
		Int("outputs_removed", cleaned).
		Dur("duration", time.Since(start)).
		Msg("Maintenance pass complete")
}

func (s *Service) logEvent(ctx context.Context, jobID string, level models.EventLevel, typ models.EventType, message string, fields map[string]interface{}) {
	event := &models.JobEvent{
		ID:        common.NewEventID(),
		JobID:     jobID,
		Level:     level,
		Type:      typ,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := event.SetFields(fields); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to encode event fields")
	}
	if err := s.store.EventStorage().LogEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to log job event")
	}
}

func (s *Service) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}
