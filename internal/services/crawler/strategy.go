package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/skrapp/internal/models"
)

// crawlStats aggregates the running totals the budget check and the
// fallback monitor consult. Counters are seeded from the job row so a
// restarted engine keeps the same budget arithmetic.
type crawlStats struct {
	mu        sync.Mutex
	fetched   int // completed fetch attempts; the page budget compares against this
	passed    int // quality-gate passes
	failed    int
	dups      int
	errors    int
	extracted int   // successful extractions feeding textSum
	textSum   int64 // total extracted text runes
	startedAt time.Time
}

// statsSnapshot is a point-in-time copy for decision making
type statsSnapshot struct {
	Fetched  int
	Passed   int
	Failed   int
	Dups     int
	Errors   int
	MeanText float64
	Elapsed  time.Duration
}

func newCrawlStats(job *models.CrawlJob) *crawlStats {
	return &crawlStats{
		fetched:   job.PagesFetched,
		passed:    job.PagesPassed,
		failed:    job.PagesFailed,
		dups:      job.DupCount,
		errors:    job.ErrorCount,
		startedAt: time.Now().UTC(),
	}
}

func (s *crawlStats) addFetch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched++
	return s.fetched
}

func (s *crawlStats) addPass() {
	s.mu.Lock()
	s.passed++
	s.mu.Unlock()
}

func (s *crawlStats) addFail() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *crawlStats) addDup() {
	s.mu.Lock()
	s.dups++
	s.mu.Unlock()
}

func (s *crawlStats) addError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *crawlStats) addText(runes int) {
	s.mu.Lock()
	s.extracted++
	s.textSum += int64(runes)
	s.mu.Unlock()
}

func (s *crawlStats) fetchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

func (s *crawlStats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := statsSnapshot{
		Fetched: s.fetched,
		Passed:  s.passed,
		Failed:  s.failed,
		Dups:    s.dups,
		Errors:  s.errors,
		Elapsed: time.Since(s.startedAt),
	}
	if s.extracted > 0 {
		snap.MeanText = float64(s.textSum) / float64(s.extracted)
	}
	return snap
}

// fallbackInputs are the signals the HTTP-to-JS switch decision reads
type fallbackInputs struct {
	Stats       statsSnapshot
	SiteStatus  models.SiteStatus
	MinFetches  int
	MinElapsed  time.Duration
	MinMeanText int
}

// shouldFallBackToJS reports whether the HTTP strategy is failing in a way
// the browser fetcher can fix. The returned reason goes into the fallback
// event. The switch is one-way; the caller never asks again once it fires.
func shouldFallBackToJS(in fallbackInputs) (string, bool) {
	// Blocking verdicts switch immediately; thin-content signals need a
	// warmup so a slow first page cannot trigger a pointless restart.
	if in.SiteStatus == models.SiteStatusBlocked || in.SiteStatus == models.SiteStatusLoginRequired {
		return fmt.Sprintf("site_status=%s", in.SiteStatus), true
	}

	if in.Stats.Fetched >= in.MinFetches {
		dupRatio := float64(in.Stats.Dups) / float64(in.Stats.Fetched)
		if dupRatio > 0.5 {
			return fmt.Sprintf("dup_ratio=%.2f over %d fetches", dupRatio, in.Stats.Fetched), true
		}
	}

	warmedUp := in.Stats.Fetched >= in.MinFetches || in.Stats.Elapsed >= in.MinElapsed
	if warmedUp && in.Stats.Passed == 0 && in.Stats.MeanText < float64(in.MinMeanText) {
		return fmt.Sprintf("zero_pass: mean_text=%.0f after %d fetches", in.Stats.MeanText, in.Stats.Fetched), true
	}

	return "", false
}

// initialStrategy picks the starting fetcher family for a job: the browser
// when the job asks for it or the seed host is a known script-rendered
// documentation platform, plain HTTP otherwise.
func initialStrategy(config *models.JobConfig) models.CrawlStrategy {
	if config.UseJS {
		return models.StrategyJS
	}
	if IsJSHeavyHost(hostOf(config.SeedURL)) {
		return models.StrategyJS
	}
	return models.StrategyHTTP
}
