package crawler

// worker.go contains the per-URL processing loop: lease a batch from the
// frontier, fetch, extract, evaluate quality, persist, complete. Workers
// never sleep holding a lease; retry backoff is applied through frontier
// visibility instead.

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/metrics"
	"github.com/ternarybob/skrapp/internal/models"
	"github.com/ternarybob/skrapp/internal/services/extractor"
)

func (e *Engine) workerLoop(ctx context.Context, wg *sync.WaitGroup, workerIndex int) {
	defer wg.Done()

	workerStartTime := time.Now()
	urlsProcessed := 0

	e.logger.Debug().
		Str("job_id", e.job.ID).
		Int("worker_index", workerIndex).
		Msg("Worker started")

	defer func() {
		e.logger.Debug().
			Str("job_id", e.job.ID).
			Int("worker_index", workerIndex).
			Int("urls_processed", urlsProcessed).
			Dur("duration", time.Since(workerStartTime)).
			Msg("Worker exiting")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if e.budgetSpent() {
			return
		}

		entries, err := e.store.FrontierStorage().LeaseURLs(ctx, e.job.ID, e.workerID, e.cfg.LeaseBatchSize, e.cfg.LeaseTTL())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to lease URLs")
			sleepCtx(ctx, 500*time.Millisecond)
			continue
		}

		if len(entries) == 0 {
			// Nothing visible right now: either the frontier is drained,
			// which the engine watcher decides, or retried entries are
			// sitting out their backoff.
			sleepCtx(ctx, 250*time.Millisecond)
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if e.budgetSpent() {
				// Unprocessed leases lapse on their own; the job is
				// heading to finalization anyway.
				return
			}
			e.processEntry(ctx, entry)
			urlsProcessed++
		}
	}
}

// processEntry takes one leased URL through the full pipeline.
func (e *Engine) processEntry(ctx context.Context, entry *models.FrontierEntry) {
	// Admission re-check at lease time. Entries survive restarts and
	// strategy switches; what was admissible once is re-vetted here.
	if err := e.admission.Check(entry.CanonicalURL, entry.Depth); err != nil {
		e.completeURL(ctx, entry, models.OutcomeSkipped, err.Error(), 0)
		return
	}

	result, fetchErr := e.fetcher.Fetch(ctx, entry.CanonicalURL)

	// The detector sees every attempt, including failures: a fetch that
	// errored still carries its status code and captcha flags when the
	// fetcher produced a partial result.
	obs := FetchObservation{URL: entry.CanonicalURL}
	if result != nil {
		obs.StatusCode = result.StatusCode
		obs.CaptchaPage = result.CaptchaPage
		obs.LoginRedirect = result.LoginRedirect
	}
	e.detector.Observe(obs)

	if fetchErr != nil && ctx.Err() != nil {
		// Shutdown mid-fetch. Leave the lease to lapse; the next
		// incarnation re-leases the entry.
		return
	}

	fetcherName := e.fetcher.Name()
	if result != nil {
		if result.Fetcher != "" {
			fetcherName = result.Fetcher
		}
		metrics.ObserveFetch(fetcherName, result.StatusCode, result.Duration)
	} else {
		metrics.ObserveFetch(fetcherName, 0, 0)
	}

	if fetchErr != nil {
		e.handleFetchFailure(ctx, entry, result, fetchErr)
		return
	}

	e.handleFetched(ctx, entry, result)
}

func (e *Engine) handleFetchFailure(ctx context.Context, entry *models.FrontierEntry, result *interfaces.FetchResult, fetchErr error) {
	rec := e.newPageRecord(entry, result)
	rec.ErrorKind = string(models.KindOf(fetchErr))
	rec.ErrorMessage = fetchErr.Error()
	rec.Verdict = models.VerdictFail

	if e.retry.ShouldRetry(entry.RetryCount, fetchErr) {
		// A retried attempt is not a completion: the entry goes back to
		// queued, and the page budget and error totals only move when a
		// URL reaches a terminal outcome.
		backoff := e.retry.Backoff(entry.RetryCount)
		rec.RetryCount = entry.RetryCount + 1
		metrics.IncFetchRetry(e.fetcher.Name())
		e.appendRecord(rec)
		e.completeURL(ctx, entry, models.OutcomeRetry, fetchErr.Error(), backoff)

		e.logger.Debug().
			Str("job_id", e.job.ID).
			Str("url", entry.CanonicalURL).
			Int("retry_count", entry.RetryCount+1).
			Dur("backoff", backoff).
			Err(fetchErr).
			Msg("Fetch failed, re-queued with backoff")
		return
	}

	e.stats.addFetch()
	e.stats.addFail()
	e.stats.addError()
	e.appendRecord(rec)
	e.completeURL(ctx, entry, models.OutcomeFailed, fetchErr.Error(), 0)
	e.recordProgress(ctx, interfaces.ProgressDelta{PagesFetched: 1, PagesFailed: 1, ErrorCount: 1})
	e.logJobError(ctx, entry.CanonicalURL, fetchErr)

	e.logger.Debug().
		Str("job_id", e.job.ID).
		Str("url", entry.CanonicalURL).
		Int("retry_count", entry.RetryCount).
		Err(fetchErr).
		Msg("Fetch failed permanently")
}

func (e *Engine) handleFetched(ctx context.Context, entry *models.FrontierEntry, result *interfaces.FetchResult) {
	e.stats.addFetch()

	rec := e.newPageRecord(entry, result)

	outcome := e.extractPage(result)
	res := outcome.Result
	score := outcome.Score

	e.stats.addText(res.TextLength)

	rec.Title = res.Title
	rec.Language = res.Language
	rec.TextLength = res.TextLength
	rec.Quality = score.Value
	rec.Verdict = score.Verdict
	if score.Reason != "" {
		rec.Reasons = []string{score.Reason}
	}
	rec.ExtractorUsed = res.Mode
	rec.OutlinkCount = res.OutlinkCount
	metrics.IncQualityVerdict(score.Verdict)

	// Outlinks are harvested regardless of the verdict: navigation pages
	// often fail the text gate yet carry the links that matter.
	enqueued := e.enqueueOutlinks(ctx, entry, res.Outlinks)

	delta := interfaces.ProgressDelta{PagesFetched: 1}

	if score.Verdict == models.VerdictPass {
		created, dup := e.persistDocument(ctx, entry, result, res, score, rec)
		if dup {
			rec.IsDuplicate = true
			delta.DupCount = 1
			e.stats.addDup()
			metrics.IncDuplicatePage()
		} else if created {
			delta.PagesPassed = 1
			e.stats.addPass()
		}
	}

	e.appendRecord(rec)
	e.completeURL(ctx, entry, models.OutcomeDone, "", 0)
	e.recordProgress(ctx, delta)

	e.logger.Debug().
		Str("job_id", e.job.ID).
		Str("url", entry.CanonicalURL).
		Int("status_code", rec.StatusCode).
		Str("verdict", score.Verdict).
		Int("text_length", res.TextLength).
		Int("outlinks_enqueued", enqueued).
		Bool("duplicate", rec.IsDuplicate).
		Msg("Page processed")
}

// extractionOutcome pairs the chosen extraction with its quality score
type extractionOutcome struct {
	Result *extractor.Result
	Score  extractor.Score
}

// extractPage runs the extraction ladder: the selector-based primary
// extractor first, a readability pass when the primary result is marginal
// or the parse fails, and a plaintext strip as the last resort. The
// ladder always yields a result; unusable pages surface as fail verdicts.
func (e *Engine) extractPage(fetch *interfaces.FetchResult) extractionOutcome {
	base := fetch.FinalURL
	if base == "" {
		base = fetch.URL
	}

	primary, err := e.extractor.Extract(fetch.HTML, base)
	if err != nil {
		alt, altErr := e.extractor.ExtractAlternate(fetch.HTML, base)
		if altErr != nil {
			plain := e.extractor.ExtractPlaintext(fetch.HTML, base)
			return extractionOutcome{Result: plain, Score: e.gate.Evaluate(plain)}
		}
		return extractionOutcome{Result: alt, Score: e.gate.Evaluate(alt)}
	}

	score := e.gate.Evaluate(primary)
	if score.Verdict != models.VerdictMarginal {
		return extractionOutcome{Result: primary, Score: score}
	}

	// Marginal pages get one shot with the alternate extractor; keep
	// whichever scores higher.
	alt, altErr := e.extractor.ExtractAlternate(fetch.HTML, base)
	if altErr != nil {
		return extractionOutcome{Result: primary, Score: score}
	}
	altScore := e.gate.Evaluate(alt)
	if altScore.Value > score.Value {
		return extractionOutcome{Result: alt, Score: altScore}
	}
	return extractionOutcome{Result: primary, Score: score}
}

// persistDocument stores a quality-passing page under content-hash dedup
// and records URL aliases. Returns (created, duplicate); both false means
// the store rejected the write and the page counts as fetched only.
func (e *Engine) persistDocument(ctx context.Context, entry *models.FrontierEntry, fetch *interfaces.FetchResult, res *extractor.Result, score extractor.Score, rec *models.PageRecord) (bool, bool) {
	contentHash := models.HashContent(res.Markdown)
	rec.ContentHash = contentHash

	now := time.Now().UTC()
	docs := e.store.DocumentStorage()
	titleHash := models.HashTitle(res.Title)

	// Language variants share a title fingerprint but differ in content
	// hash; they become aliases instead of near-duplicate corpus entries.
	if res.Language != "" {
		existing, err := docs.FindDocumentByTitleHash(ctx, e.job.ID, titleHash)
		if err == nil && existing != nil &&
			existing.ContentHash != contentHash &&
			existing.Language != "" &&
			existing.Language != res.Language {
			alias := &models.URLAlias{
				JobID:     e.job.ID,
				DocID:     existing.ID,
				URL:       entry.CanonicalURL,
				Reason:    models.AliasReasonLanguageVariant,
				CreatedAt: now,
			}
			if _, aliasErr := docs.AttachURLAlias(ctx, alias); aliasErr != nil {
				e.logger.Warn().Err(aliasErr).Str("job_id", e.job.ID).Str("url", entry.CanonicalURL).Msg("Failed to attach language variant alias")
			}
			return false, true
		}
	}

	doc := &models.Document{
		ID:           common.NewDocumentID(),
		JobID:        e.job.ID,
		ContentHash:  contentHash,
		URL:          entry.CanonicalURL,
		Title:        res.Title,
		TitleHash:    titleHash,
		Markdown:     res.Markdown,
		TextLength:   res.TextLength,
		Language:     res.Language,
		Fetcher:      fetch.Fetcher,
		StatusCode:   fetch.StatusCode,
		QualityScore: score.Value,
		FirstSeenAt:  now,
	}

	docID, created, err := docs.UpsertDocument(ctx, doc)
	if err != nil {
		e.stats.addError()
		e.logger.Error().Err(err).Str("job_id", e.job.ID).Str("url", entry.CanonicalURL).Msg("Failed to store document")
		return false, false
	}

	if !created {
		// Same content seen before: this URL becomes an alias.
		alias := &models.URLAlias{
			JobID:     e.job.ID,
			DocID:     docID,
			URL:       entry.CanonicalURL,
			Reason:    models.AliasReasonContentHash,
			CreatedAt: now,
		}
		if _, aliasErr := docs.AttachURLAlias(ctx, alias); aliasErr != nil {
			e.logger.Warn().Err(aliasErr).Str("job_id", e.job.ID).Str("url", entry.CanonicalURL).Msg("Failed to attach content hash alias")
		}
		return false, true
	}

	// A fetch that landed on a different final URL records the redirect
	// target as an alias of the new document.
	if fetch.FinalURL != "" {
		if finalCanonical, canonErr := CanonicalizeURL(fetch.FinalURL); canonErr == nil && finalCanonical != entry.CanonicalURL {
			alias := &models.URLAlias{
				JobID:     e.job.ID,
				DocID:     docID,
				URL:       finalCanonical,
				Reason:    models.AliasReasonRedirect,
				CreatedAt: now,
			}
			if _, aliasErr := docs.AttachURLAlias(ctx, alias); aliasErr != nil {
				e.logger.Warn().Err(aliasErr).Str("job_id", e.job.ID).Str("url", finalCanonical).Msg("Failed to attach redirect alias")
			}
		}
	}

	return true, false
}

// enqueueOutlinks admits and enqueues links discovered on a page,
// returning how many new frontier entries were created.
func (e *Engine) enqueueOutlinks(ctx context.Context, parent *models.FrontierEntry, outlinks []string) int {
	if len(outlinks) == 0 {
		return 0
	}

	depth := parent.Depth + 1
	now := time.Now().UTC()
	frontier := e.store.FrontierStorage()

	enqueued := 0
	for _, link := range outlinks {
		if err := e.admission.Check(link, depth); err != nil {
			continue
		}
		canonical, err := CanonicalizeURL(link)
		if err != nil {
			continue
		}
		entry := &models.FrontierEntry{
			JobID:             e.job.ID,
			CanonicalURL:      canonical,
			SourceURL:         link,
			Depth:             depth,
			State:             models.URLStateQueued,
			EarliestVisibleAt: now,
			EnqueuedAt:        now,
		}
		inserted, err := frontier.EnqueueURL(ctx, entry)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", e.job.ID).Str("url", canonical).Msg("Failed to enqueue outlink")
			continue
		}
		if inserted {
			enqueued++
		}
	}
	return enqueued
}

// newPageRecord builds the spool record skeleton for one fetch attempt.
func (e *Engine) newPageRecord(entry *models.FrontierEntry, result *interfaces.FetchResult) *models.PageRecord {
	rec := &models.PageRecord{
		URL:          entry.SourceURL,
		CanonicalURL: entry.CanonicalURL,
		Depth:        entry.Depth,
		Fetcher:      e.fetcher.Name(),
		RetryCount:   entry.RetryCount,
		FetchedAt:    time.Now().UTC(),
	}
	if rec.URL == "" {
		rec.URL = entry.CanonicalURL
	}
	if result != nil {
		rec.StatusCode = result.StatusCode
		rec.DurationMS = result.Duration.Milliseconds()
		if result.FinalURL != "" && result.FinalURL != entry.CanonicalURL {
			rec.FinalURL = result.FinalURL
		}
	}
	return rec
}

func (e *Engine) completeURL(ctx context.Context, entry *models.FrontierEntry, outcome models.URLOutcome, errMsg string, visibleAfter time.Duration) {
	if err := e.store.FrontierStorage().CompleteURL(ctx, e.job.ID, entry.CanonicalURL, e.workerID, outcome, errMsg, visibleAfter); err != nil {
		e.logger.Warn().
			Err(err).
			Str("job_id", e.job.ID).
			Str("url", entry.CanonicalURL).
			Str("outcome", string(outcome)).
			Msg("Failed to complete URL")
	}
}

func (e *Engine) appendRecord(rec *models.PageRecord) {
	if err := e.spool.Append(rec); err != nil {
		e.logger.Error().Err(err).Str("job_id", e.job.ID).Str("url", rec.CanonicalURL).Msg("Failed to append page record")
	}
}

func (e *Engine) recordProgress(ctx context.Context, delta interfaces.ProgressDelta) {
	if err := e.store.JobStorage().RecordProgress(ctx, e.job.ID, delta); err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.job.ID).Msg("Failed to record progress")
	}
}

// logJobError appends a crawl log entry for a terminally failed URL and
// mirrors it onto the event bus. Retried attempts are not logged here.
func (e *Engine) logJobError(ctx context.Context, url string, cause error) {
	e.logEvent(ctx, models.EventLevelError, models.EventError, cause.Error(), map[string]interface{}{
		"url":  url,
		"kind": string(models.KindOf(cause)),
	})
}

// budgetSpent reports whether the page budget is consumed.
func (e *Engine) budgetSpent() bool {
	max := e.job.Config.MaxPages
	return max > 0 && e.stats.fetchedCount() >= max
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
