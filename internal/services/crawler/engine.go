package crawler

// engine.go drives one crawl job: seeding, strategy selection, the worker
// pool, heartbeats, the one-way HTTP-to-JS fallback, blocking verdicts,
// and the handoff into finalization.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
	"github.com/ternarybob/skrapp/internal/services/extractor"
)

// stopReason is why a crawl phase ended
type stopReason int

const (
	stopNone stopReason = iota
	stopExhausted
	stopBudget
	stopCancelled
	stopFallback
	stopBlocked
	stopExternal
	stopShutdown
)

func (r stopReason) String() string {
	switch r {
	case stopExhausted:
		return "frontier_exhausted"
	case stopBudget:
		return "budget_spent"
	case stopCancelled:
		return "cancel_requested"
	case stopFallback:
		return "js_fallback"
	case stopBlocked:
		return "site_blocked"
	case stopExternal:
		return "external_state_change"
	case stopShutdown:
		return "shutdown"
	}
	return "none"
}

// siteStatusRank orders statuses by severity so a run only ever escalates;
// the detector window rolling clear does not un-block a site.
func siteStatusRank(s models.SiteStatus) int {
	switch s {
	case models.SiteStatusThrottled:
		return 1
	case models.SiteStatusSwitchedToJS:
		return 2
	case models.SiteStatusLoginRequired:
		return 3
	case models.SiteStatusBlocked:
		return 4
	}
	return 0
}

// EngineOptions collects the dependencies an engine needs beyond its job.
type EngineOptions struct {
	Store      interfaces.StorageManager
	Events     interfaces.EventService
	Finalizer  interfaces.Finalizer
	Crawler    common.CrawlerConfig
	Quality    common.QualityConfig
	Supervisor common.SupervisorConfig
	OutputDir  string
}

// Engine runs a single claimed crawl job. One engine owns one job for the
// duration of a run; a supervisor restart builds a fresh engine with a
// fresh worker identity, so stale leases from a dead incarnation cannot
// complete URLs.
type Engine struct {
	job      *models.CrawlJob
	workerID string

	store          interfaces.StorageManager
	events         interfaces.EventService
	finalizer      interfaces.Finalizer
	cfg            common.CrawlerConfig
	quality        common.QualityConfig
	heartbeatEvery time.Duration
	outputDir      string
	logger         arbor.ILogger

	fetcher   interfaces.Fetcher
	extractor *extractor.Extractor
	gate      *extractor.Gate
	admission *Admission
	detector  *BlockingDetector
	limiter   *RateLimiter
	retry     *RetryPolicy
	spool     *Spool
	stats     *crawlStats

	siteStatus     models.SiteStatus
	fallbackReason string
	workerCount    int
	lastProgress   statsSnapshot
}

// NewEngine builds an engine for one claimed job. workerID is the claim
// identity used for frontier leases.
func NewEngine(job *models.CrawlJob, workerID string, opts EngineOptions, logger arbor.ILogger) *Engine {
	contextLogger := logger.WithContextWriter(job.ID)

	siteStatus := job.SiteStatus
	if siteStatus == "" {
		siteStatus = models.SiteStatusOK
	}

	return &Engine{
		job:            job,
		workerID:       workerID,
		store:          opts.Store,
		events:         opts.Events,
		finalizer:      opts.Finalizer,
		cfg:            opts.Crawler,
		quality:        opts.Quality,
		heartbeatEvery: opts.Supervisor.HeartbeatInterval(),
		outputDir:      opts.OutputDir,
		logger:         contextLogger,
		extractor:      extractor.New(contextLogger),
		gate:           extractor.NewGate(&opts.Quality),
		admission:      NewAdmission(&job.Config),
		detector:       NewBlockingDetector(),
		retry:          NewRetryPolicy(opts.Crawler.MaxRetries),
		stats:          newCrawlStats(job),
		siteStatus:     siteStatus,
	}
}

// Run executes the job until the frontier drains, the budget is spent,
// cancellation lands, the site blocks the crawl, or the process stops.
// The engine performs the running -> finalizing transition and invokes the
// finalizer inline; running -> queued restarts belong to the supervisor.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("job_id", e.job.ID).
		Str("seed_url", e.job.Config.SeedURL).
		Str("allowed_host", e.job.Config.AllowedHost).
		Int("max_pages", e.job.Config.MaxPages).
		Int("max_depth", e.job.Config.MaxDepth).
		Int("restart_count", e.job.RestartCount).
		Msg("Crawl engine starting")

	spool, err := OpenSpool(common.RawSpoolPath(e.outputDir, e.job.ID))
	if err != nil {
		return e.failJob(ctx, fmt.Sprintf("spool_open_failed: %v", err))
	}
	e.spool = spool
	defer e.spool.Close()

	if err := e.seedFrontier(ctx); err != nil {
		return e.failJob(ctx, fmt.Sprintf("seed_rejected: %v", err))
	}

	if err := e.selectStrategy(ctx); err != nil {
		return e.failJob(ctx, fmt.Sprintf("strategy_failed: %v", err))
	}
	defer func() {
		if e.fetcher != nil {
			e.fetcher.Close()
		}
	}()

	var reason stopReason
	for {
		reason = e.runPhase(ctx)
		if reason != stopFallback {
			break
		}
		if err := e.switchToJS(ctx, e.fallbackReason); err != nil {
			return e.failJob(ctx, fmt.Sprintf("js_fallback_failed: %v", err))
		}
	}

	snap := e.stats.snapshot()
	e.logger.Info().
		Str("job_id", e.job.ID).
		Str("stop_reason", reason.String()).
		Int("pages_fetched", snap.Fetched).
		Int("pages_passed", snap.Passed).
		Int("dup_count", snap.Dups).
		Msg("Crawl phase ended")

	switch reason {
	case stopExhausted, stopBudget, stopCancelled:
		return e.finalize(ctx)
	case stopBlocked:
		return e.failBlocked(ctx)
	default:
		// Shutdown or an external state change: leave the job row alone.
		// Orphan detection or the external actor owns the next move.
		return nil
	}
}

// seedFrontier enqueues the seed at depth zero. On a restart the seed is
// already present and the enqueue is a no-op.
func (e *Engine) seedFrontier(ctx context.Context) error {
	canonical, err := CanonicalizeURL(e.job.Config.SeedURL)
	if err != nil {
		return err
	}
	if err := e.admission.Check(canonical, 0); err != nil {
		return err
	}

	now := time.Now().UTC()
	entry := &models.FrontierEntry{
		JobID:             e.job.ID,
		CanonicalURL:      canonical,
		SourceURL:         e.job.Config.SeedURL,
		Depth:             0,
		State:             models.URLStateQueued,
		EarliestVisibleAt: now,
		EnqueuedAt:        now,
	}
	inserted, err := e.store.FrontierStorage().EnqueueURL(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to enqueue seed: %w", err)
	}
	if !inserted {
		e.logger.Debug().Str("job_id", e.job.ID).Str("url", canonical).Msg("Seed already in frontier, resuming")
	}
	return nil
}

// selectStrategy picks and persists the fetcher family, then builds the
// fetcher. A restarted job keeps its persisted strategy, including a JS
// strategy acquired through an earlier fallback.
func (e *Engine) selectStrategy(ctx context.Context) error {
	strategy := e.job.Strategy
	if strategy == "" {
		strategy = initialStrategy(&e.job.Config)
		if err := e.store.JobStorage().SetStrategy(ctx, e.job.ID, strategy, false); err != nil {
			return fmt.Errorf("failed to persist strategy: %w", err)
		}
		e.job.Strategy = strategy
	}

	delay := time.Duration(e.job.Config.DownloadDelay * float64(time.Second))
	if delay <= 0 {
		delay = e.cfg.DownloadDelayDuration()
	}
	e.limiter = NewRateLimiter(delay)

	switch strategy {
	case models.StrategyJS:
		js := NewJSFetcher(JSFetcherOptions{
			Concurrency: e.cfg.JSConcurrency,
			UserAgent:   e.cfg.UserAgent,
			Headless:    true,
			AllowedHost: e.job.Config.AllowedHost,
			Timeout:     e.cfg.JSRenderTimeout,
			SettleTime:  e.cfg.JSSettleTime,
			Limiter:     e.limiter,
		}, e.logger)
		if err := js.Start(); err != nil {
			return fmt.Errorf("failed to start browser pool: %w", err)
		}
		e.fetcher = js
		e.workerCount = e.cfg.JSConcurrency
	default:
		e.fetcher = NewHTTPFetcher(HTTPFetcherOptions{
			UserAgent:    e.cfg.UserAgent,
			AllowedHost:  e.job.Config.AllowedHost,
			Timeout:      e.cfg.RequestTimeout,
			MaxRedirects: e.cfg.MaxRedirects,
			MaxBodySize:  int64(e.cfg.MaxBodySize),
			Limiter:      e.limiter,
		}, e.logger)
		e.workerCount = e.cfg.ConcurrentRequests
	}

	e.logger.Info().
		Str("job_id", e.job.ID).
		Str("strategy", string(strategy)).
		Int("workers", e.workerCount).
		Msg("Crawl strategy selected")
	return nil
}

// runPhase launches the worker pool and watches it until something ends
// the phase. Workers are drained before it returns.
func (e *Engine) runPhase(ctx context.Context) stopReason {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}
	for i := 0; i < e.workerCount; i++ {
		wg.Add(1)
		go e.workerLoop(phaseCtx, wg, i)
	}

	reason := e.watch(phaseCtx, ctx)
	cancel()
	e.drainWorkers(wg)
	return reason
}

// watch is the engine's decision loop: heartbeats on their own cadence,
// everything else on a fast tick. All strategy and stop decisions happen
// here, on one goroutine.
func (e *Engine) watch(phaseCtx, ctx context.Context) stopReason {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	heartbeat := time.NewTicker(e.heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return stopShutdown
		case <-heartbeat.C:
			if reason := e.heartbeat(ctx); reason != stopNone {
				return reason
			}
		case <-ticker.C:
			if reason := e.checkProgress(ctx); reason != stopNone {
				return reason
			}
		}
	}
}

// checkProgress evaluates budget, blocking verdicts, fallback pressure and
// frontier exhaustion, in that order.
func (e *Engine) checkProgress(ctx context.Context) stopReason {
	if e.budgetSpent() {
		return stopBudget
	}

	status, evidence := e.detector.Evaluate()
	e.applySiteStatus(ctx, status, evidence)

	blocked := e.siteStatus == models.SiteStatusBlocked || e.siteStatus == models.SiteStatusLoginRequired
	if blocked && e.job.Strategy == models.StrategyJS {
		return stopBlocked
	}

	if e.job.Strategy == models.StrategyHTTP && !e.job.FallbackDone {
		minText := e.quality.MinTextLengthSuccess
		if minText <= 0 {
			minText = 200
		}
		in := fallbackInputs{
			Stats:       e.stats.snapshot(),
			SiteStatus:  e.siteStatus,
			MinFetches:  e.cfg.FallbackMinFetches,
			MinElapsed:  e.cfg.FallbackMinElapsed,
			MinMeanText: minText,
		}
		if reason, ok := shouldFallBackToJS(in); ok {
			e.fallbackReason = reason
			return stopFallback
		}
	}

	counts, err := e.store.FrontierStorage().Counts(ctx, e.job.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to read frontier counts")
		return stopNone
	}
	if counts.Exhausted() {
		return stopExhausted
	}
	return stopNone
}

// applySiteStatus persists an escalated detector verdict and reacts to it.
// Throttling halves the request rate once per escalation.
func (e *Engine) applySiteStatus(ctx context.Context, status models.SiteStatus, evidence *models.BlockEvidence) {
	if status == models.SiteStatusOK || siteStatusRank(status) <= siteStatusRank(e.siteStatus) {
		return
	}
	e.siteStatus = status

	if err := e.store.JobStorage().SetSiteStatus(ctx, e.job.ID, status, evidence); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to persist site status")
	}

	fields := map[string]interface{}{"site_status": string(status)}
	if evidence != nil {
		fields["count_429"] = evidence.Count429
		fields["count_403"] = evidence.Count403
		fields["captcha_count"] = evidence.CaptchaCount
		fields["login_redirects"] = evidence.LoginRedirects
	}

	switch status {
	case models.SiteStatusThrottled:
		newDelay := e.limiter.HalveRate()
		fields["new_delay_ms"] = newDelay.Milliseconds()
		e.logEvent(ctx, models.EventLevelWarn, models.EventBlockedDetected, "Site is throttling the crawl, halving request rate", fields)
		e.logger.Warn().
			Str("job_id", e.job.ID).
			Dur("new_delay", newDelay).
			Msg("Throttling detected, request rate halved")
	case models.SiteStatusBlocked, models.SiteStatusLoginRequired:
		e.logEvent(ctx, models.EventLevelError, models.EventBlockedDetected, fmt.Sprintf("Blocking detected: %s", status), fields)
		e.logger.Error().
			Str("job_id", e.job.ID).
			Str("site_status", string(status)).
			Msg("Blocking detected")
	}

	e.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":      e.job.ID,
		"site_status": string(status),
	})
}

// heartbeat stamps liveness, polls for cooperative cancel and external
// state changes, and emits a progress event when the counters moved.
func (e *Engine) heartbeat(ctx context.Context) stopReason {
	if err := e.store.JobStorage().Heartbeat(ctx, e.job.ID); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to record heartbeat")
	}

	job, err := e.store.JobStorage().GetJob(ctx, e.job.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to refresh job during heartbeat")
		return stopNone
	}
	if job.CancelRequested {
		e.logger.Info().Str("job_id", e.job.ID).Msg("Cancel requested, stopping workers")
		return stopCancelled
	}
	if job.State != models.JobStateRunning {
		e.logger.Warn().
			Str("job_id", e.job.ID).
			Str("state", string(job.State)).
			Msg("Job state changed externally, stopping engine")
		return stopExternal
	}

	snap := e.stats.snapshot()
	snap.Elapsed = 0 // Always moving; only counter movement is progress
	if snap != e.lastProgress {
		e.lastProgress = snap
		e.logEvent(ctx, models.EventLevelDebug, models.EventProgress,
			fmt.Sprintf("Progress: %d fetched, %d passed, %d failed", snap.Fetched, snap.Passed, snap.Failed),
			map[string]interface{}{
				"pages_fetched": snap.Fetched,
				"pages_passed":  snap.Passed,
				"pages_failed":  snap.Failed,
				"dup_count":     snap.Dups,
				"error_count":   snap.Errors,
			})
		e.publish(interfaces.EventJobProgress, map[string]interface{}{
			"job_id":        e.job.ID,
			"state":         string(models.JobStateRunning),
			"pages_fetched": snap.Fetched,
			"pages_passed":  snap.Passed,
			"pages_failed":  snap.Failed,
			"dup_count":     snap.Dups,
			"error_count":   snap.Errors,
		})
	}
	return stopNone
}

// switchToJS performs the one-way fallback: reset the frontier with fresh
// retry budgets, swap the fetcher for the browser pool, and shrink the
// worker pool to browser concurrency.
func (e *Engine) switchToJS(ctx context.Context, reason string) error {
	e.logger.Info().
		Str("job_id", e.job.ID).
		Str("reason", reason).
		Msg("Switching to JS rendering")

	reset, err := e.store.FrontierStorage().ResetNonTerminal(ctx, e.job.ID, true)
	if err != nil {
		return fmt.Errorf("failed to reset frontier: %w", err)
	}
	e.detector.Reset()

	if err := e.store.JobStorage().SetStrategy(ctx, e.job.ID, models.StrategyJS, true); err != nil {
		return fmt.Errorf("failed to persist strategy: %w", err)
	}
	if err := e.store.JobStorage().SetSiteStatus(ctx, e.job.ID, models.SiteStatusSwitchedToJS, nil); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to persist site status")
	}
	e.job.Strategy = models.StrategyJS
	e.job.FallbackDone = true
	e.siteStatus = models.SiteStatusSwitchedToJS

	e.logEvent(ctx, models.EventLevelWarn, models.EventFallback,
		fmt.Sprintf("Switched to JS rendering: %s", reason),
		map[string]interface{}{"reason": reason, "urls_reset": reset})
	e.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":      e.job.ID,
		"strategy":    string(models.StrategyJS),
		"site_status": string(models.SiteStatusSwitchedToJS),
	})

	if e.fetcher != nil {
		e.fetcher.Close()
	}
	js := NewJSFetcher(JSFetcherOptions{
		Concurrency: e.cfg.JSConcurrency,
		UserAgent:   e.cfg.UserAgent,
		Headless:    true,
		AllowedHost: e.job.Config.AllowedHost,
		Timeout:     e.cfg.JSRenderTimeout,
		SettleTime:  e.cfg.JSSettleTime,
		Limiter:     e.limiter,
	}, e.logger)
	if err := js.Start(); err != nil {
		return fmt.Errorf("failed to start browser pool: %w", err)
	}
	e.fetcher = js
	e.workerCount = e.cfg.JSConcurrency
	return nil
}

// finalize moves the job to finalizing and runs the finalizer inline.
func (e *Engine) finalize(ctx context.Context) error {
	if err := e.store.JobStorage().SetState(ctx, e.job.ID, models.JobStateRunning, models.JobStateFinalizing, ""); err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			e.logger.Warn().
				Str("job_id", e.job.ID).
				Str("from", string(te.From)).
				Msg("Job moved externally before finalization")
			return nil
		}
		return fmt.Errorf("failed to enter finalizing: %w", err)
	}

	e.logEvent(ctx, models.EventLevelInfo, models.EventStateChange, "Crawl complete, finalizing", nil)
	e.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id": e.job.ID,
		"state":  string(models.JobStateFinalizing),
	})

	// Finalization runs inline so one process owns the whole pipeline.
	// The supervisor re-dispatches jobs found stuck in finalizing after
	// a crash.
	return e.finalizer.Finalize(ctx, e.job)
}

// failBlocked fails the job after a blocking verdict under JS rendering.
// Evidence was already persisted when the verdict escalated.
func (e *Engine) failBlocked(ctx context.Context) error {
	return e.failJob(ctx, fmt.Sprintf("%s: blocking detected under js rendering", models.FailReasonSiteBlocked))
}

// failJob moves the job to failed with a concise reason.
func (e *Engine) failJob(ctx context.Context, reason string) error {
	if err := e.store.JobStorage().SetState(ctx, e.job.ID, models.JobStateRunning, models.JobStateFailed, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", e.job.ID).Str("reason", reason).Msg("Failed to mark job failed")
		return err
	}
	e.logEvent(ctx, models.EventLevelError, models.EventStateChange, "Job failed: "+reason, nil)
	e.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":     e.job.ID,
		"state":      string(models.JobStateFailed),
		"last_error": reason,
	})
	return errors.New(reason)
}

// drainWorkers waits for the pool to exit, bounded by the shutdown drain.
func (e *Engine) drainWorkers(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownDrain):
		e.logger.Warn().
			Str("job_id", e.job.ID).
			Dur("drain", e.cfg.ShutdownDrain).
			Msg("Worker drain timed out")
	}
}

// logEvent appends a crawl log row and mirrors it onto the event bus.
func (e *Engine) logEvent(ctx context.Context, level models.EventLevel, typ models.EventType, message string, fields map[string]interface{}) {
	event := &models.JobEvent{
		ID:        common.NewEventID(),
		JobID:     e.job.ID,
		Level:     level,
		Type:      typ,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := event.SetFields(fields); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to encode event fields")
	}
	if err := e.store.EventStorage().LogEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to log job event")
	}
	e.publish(interfaces.EventJobLogged, map[string]interface{}{
		"job_id":  e.job.ID,
		"level":   string(level),
		"type":    string(typ),
		"message": message,
	})
}

func (e *Engine) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to publish event")
	}
}
