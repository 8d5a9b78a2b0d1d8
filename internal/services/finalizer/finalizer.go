package finalizer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

// hashSizeCap is the largest file that still gets a sha256 digest; bigger
// artifacts are registered with an empty hash.
const hashSizeCap = 100 * 1024 * 1024

// CorpusEntry is one line of pages.jsonl: a deduplicated document with
// every URL that resolved to it.
type CorpusEntry struct {
	DocID       string        `json:"doc_id"`
	PrimaryURL  string        `json:"primary_url"`
	URLAliases  []CorpusAlias `json:"url_aliases,omitempty"`
	Title       string        `json:"title"`
	ContentHash string        `json:"content_hash"`
	Markdown    string        `json:"markdown"`
	TextLength  int           `json:"text_length"`
	Language    string        `json:"language,omitempty"`
	Quality     float64       `json:"quality_score"`
	FetchedAt   time.Time     `json:"fetched_at"`
}

// CorpusAlias is a non-primary URL of a corpus entry
type CorpusAlias struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// ManifestEntry is one row of kb/manifest.json
type ManifestEntry struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Slug   string `json:"slug"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// kbFrontMatter is the YAML header of a kb/ page
type kbFrontMatter struct {
	Title       string    `yaml:"title"`
	URL         string    `yaml:"url"`
	ContentHash string    `yaml:"content_hash"`
	Language    string    `yaml:"language,omitempty"`
	FetchedAt   time.Time `yaml:"fetched_at"`
}

// spoolHistograms are the aggregates summary.json takes from the raw spool
type spoolHistograms struct {
	records        int
	statusCodes    map[string]int
	extractorModes map[string]int
	extracted      int
	textSum        int64
}

// Service turns a finished crawl into its outputs: the deduplicated
// pages.jsonl corpus, the kb/ markdown tree with its manifest, and
// summary.json, each registered as an artifact. Finalization is
// idempotent; re-running after a crash overwrites partial outputs.
type Service struct {
	store      interfaces.StorageManager
	events     interfaces.EventService
	outputRoot string
	logger     arbor.ILogger
}

// NewService creates a finalizer writing under outputRoot/<job_id>/.
func NewService(store interfaces.StorageManager, events interfaces.EventService, outputRoot string, logger arbor.ILogger) *Service {
	return &Service{
		store:      store,
		events:     events,
		outputRoot: outputRoot,
		logger:     logger,
	}
}

// Finalize writes every output for a job in state finalizing, then moves it
// to done, or to cancelled when cancellation was requested during the
// crawl. Output is written either way; a cancelled crawl keeps what it got.
func (s *Service) Finalize(ctx context.Context, job *models.CrawlJob) error {
	logger := s.logger.WithContextWriter(job.ID)
	start := time.Now().UTC()

	logger.Info().
		Str("job_id", job.ID).
		Int("pages_fetched", job.PagesFetched).
		Int("pages_passed", job.PagesPassed).
		Msg("Finalizing job")

	outDir := common.JobOutputDir(s.outputRoot, job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return s.failFinalize(ctx, logger, job, fmt.Errorf("failed to create output directory: %w", err))
	}

	// Refresh the row: restarts may have bumped counters past our copy, and
	// a cancel may have landed while the last phase drained.
	fresh, err := s.store.JobStorage().GetJob(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to refresh job, finalizing from engine copy")
		fresh = job
	}
	target := models.JobStateDone
	if fresh.CancelRequested {
		target = models.JobStateCancelled
	}

	hist := s.readSpool(logger, job.ID)

	docs, err := s.store.DocumentStorage().ListDocuments(ctx, job.ID)
	if err != nil {
		return s.failFinalize(ctx, logger, job, fmt.Errorf("failed to list documents: %w", err))
	}
	aliasesByDoc, err := s.collectAliases(ctx, job.ID)
	if err != nil {
		return s.failFinalize(ctx, logger, job, err)
	}

	corpusPath := common.CorpusPath(s.outputRoot, job.ID)
	if err := writeCorpus(corpusPath, docs, aliasesByDoc); err != nil {
		return s.failFinalize(ctx, logger, job, err)
	}

	manifest, err := s.writeKB(job.ID, docs)
	if err != nil {
		return s.failFinalize(ctx, logger, job, err)
	}

	summary := s.buildSummary(ctx, fresh, target, len(docs), hist)
	summaryPath := common.SummaryPath(s.outputRoot, job.ID)
	if err := writeJSONFile(summaryPath, summary); err != nil {
		return s.failFinalize(ctx, logger, job, fmt.Errorf("failed to write summary: %w", err))
	}

	registered, err := s.registerArtifacts(ctx, job.ID, manifest)
	if err != nil {
		return s.failFinalize(ctx, logger, job, err)
	}

	if err := s.store.JobStorage().SetState(ctx, job.ID, models.JobStateFinalizing, target, ""); err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			logger.Warn().
				Str("job_id", job.ID).
				Str("from", string(te.From)).
				Msg("Job moved externally during finalization")
			return nil
		}
		return fmt.Errorf("failed to leave finalizing: %w", err)
	}

	s.logEvent(ctx, job.ID, models.EventLevelInfo, models.EventFinalize,
		fmt.Sprintf("Finalized: %d documents, %d artifacts", len(docs), registered),
		map[string]interface{}{
			"state":     string(target),
			"documents": len(docs),
			"kb_pages":  len(manifest),
			"artifacts": registered,
		})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id": job.ID,
		"state":  string(target),
	})

	logger.Info().
		Str("job_id", job.ID).
		Str("state", string(target)).
		Int("documents", len(docs)).
		Int("artifacts", registered).
		Dur("duration", time.Since(start)).
		Msg("Finalization complete")

	return nil
}

// failFinalize moves the job to failed with a finalize reason and returns
// the cause.
func (s *Service) failFinalize(ctx context.Context, logger arbor.ILogger, job *models.CrawlJob, cause error) error {
	logger.Error().Err(cause).Str("job_id", job.ID).Msg("Finalization failed")

	reason := fmt.Sprintf("%s: %v", models.FailReasonFinalize, cause)
	if err := s.store.JobStorage().SetState(ctx, job.ID, models.JobStateFinalizing, models.JobStateFailed, reason); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed after finalize error")
	}

	s.logEvent(ctx, job.ID, models.EventLevelError, models.EventFinalize, reason, nil)
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":     job.ID,
		"state":      string(models.JobStateFailed),
		"last_error": reason,
	})
	return cause
}

// readSpool aggregates the raw spool into summary histograms. A missing
// spool (crash before the first fetch) yields empty aggregates; a record
// truncated by a crash keeps everything scanned before it.
func (s *Service) readSpool(logger arbor.ILogger, jobID string) spoolHistograms {
	hist := spoolHistograms{
		statusCodes:    make(map[string]int),
		extractorModes: make(map[string]int),
	}

	file, err := os.Open(common.RawSpoolPath(s.outputRoot, jobID))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to open raw spool")
		}
		return hist
	}
	defer file.Close()

	err = models.ReadPageRecords(file, func(rec *models.PageRecord) error {
		hist.records++
		hist.statusCodes[strconv.Itoa(rec.StatusCode)]++
		if rec.ExtractorUsed != "" {
			hist.extractorModes[rec.ExtractorUsed]++
			hist.extracted++
			hist.textSum += int64(rec.TextLength)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Int("records_kept", hist.records).Msg("Raw spool partially unreadable")
	}
	return hist
}

// collectAliases groups a job's URL aliases by document, in fetched order.
func (s *Service) collectAliases(ctx context.Context, jobID string) (map[string][]*models.URLAlias, error) {
	rows, err := s.store.DocumentStorage().ListJobAliases(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list url aliases: %w", err)
	}

	byDoc := make(map[string][]*models.URLAlias)
	for _, alias := range rows {
		byDoc[alias.DocID] = append(byDoc[alias.DocID], alias)
	}
	for _, aliases := range byDoc {
		sort.Slice(aliases, func(i, j int) bool {
			if aliases[i].CreatedAt.Equal(aliases[j].CreatedAt) {
				return aliases[i].URL < aliases[j].URL
			}
			return aliases[i].CreatedAt.Before(aliases[j].CreatedAt)
		})
	}
	return byDoc, nil
}

// writeCorpus emits pages.jsonl: one line per document, ordered by first
// fetch, with all known aliases.
func writeCorpus(path string, docs []*models.Document, aliasesByDoc map[string][]*models.URLAlias) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create corpus: %w", err)
	}
	defer file.Close()

	for _, doc := range docs {
		entry := CorpusEntry{
			DocID:       doc.ID,
			PrimaryURL:  doc.URL,
			Title:       doc.Title,
			ContentHash: doc.ContentHash,
			Markdown:    doc.Markdown,
			TextLength:  doc.TextLength,
			Language:    doc.Language,
			Quality:     doc.QualityScore,
			FetchedAt:   doc.FirstSeenAt,
		}
		for _, alias := range aliasesByDoc[doc.ID] {
			entry.URLAliases = append(entry.URLAliases, CorpusAlias{
				URL:    alias.URL,
				Reason: string(alias.Reason),
			})
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal corpus entry %s: %w", doc.ID, err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write corpus: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync corpus: %w", err)
	}
	return nil
}

// writeKB rebuilds the kb/ tree from scratch: one markdown file per
// document plus manifest.json. Rebuilding keeps re-runs free of stale
// pages from an interrupted earlier attempt.
func (s *Service) writeKB(jobID string, docs []*models.Document) ([]ManifestEntry, error) {
	kbDir := common.KBDir(s.outputRoot, jobID)
	if err := os.RemoveAll(kbDir); err != nil {
		return nil, fmt.Errorf("failed to clear kb directory: %w", err)
	}
	if err := os.MkdirAll(kbDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kb directory: %w", err)
	}

	slugs := newSlugSet()
	manifest := make([]ManifestEntry, 0, len(docs))

	for _, doc := range docs {
		slug := slugs.claim(slugForURL(doc.URL))
		content, err := renderKBPage(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to render kb page for %s: %w", doc.URL, err)
		}

		path := filepath.Join(kbDir, slug+".md")
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write kb page %s: %w", slug, err)
		}

		digest := sha256.Sum256(content)
		manifest = append(manifest, ManifestEntry{
			Title:  doc.Title,
			URL:    doc.URL,
			Slug:   slug,
			Bytes:  int64(len(content)),
			SHA256: hex.EncodeToString(digest[:]),
		})
	}

	if err := writeJSONFile(common.KBManifestPath(s.outputRoot, jobID), manifest); err != nil {
		return nil, fmt.Errorf("failed to write kb manifest: %w", err)
	}
	return manifest, nil
}

// renderKBPage builds one kb/ file: YAML front matter, the markdown body,
// and a source citation footer.
func renderKBPage(doc *models.Document) ([]byte, error) {
	fm := kbFrontMatter{
		Title:       doc.Title,
		URL:         doc.URL,
		ContentHash: doc.ContentHash,
		Language:    doc.Language,
		FetchedAt:   doc.FirstSeenAt,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(doc.Markdown, "\n"))
	buf.WriteString("\n\n---\n*Source: [")
	buf.WriteString(doc.URL)
	buf.WriteString("](")
	buf.WriteString(doc.URL)
	buf.WriteString(")*\n")
	return buf.Bytes(), nil
}

// buildSummary assembles summary.json from the job row, the corpus size,
// the spool histograms and the event log.
func (s *Service) buildSummary(ctx context.Context, job *models.CrawlJob, finalState models.JobState, exported int, hist spoolHistograms) *models.CrawlSummary {
	summary := &models.CrawlSummary{
		JobID:       job.ID,
		JobName:     job.Name,
		State:       finalState,
		SeedURL:     job.Config.SeedURL,
		AllowedHost: job.Config.AllowedHost,
		MaxPages:    job.Config.MaxPages,
		MaxDepth:    job.Config.MaxDepth,

		TotalFetched:  job.PagesFetched,
		TotalExported: exported,
		TotalErrors:   job.ErrorCount,
		DupCount:      job.DupCount,

		SiteStatus:       job.SiteStatus,
		CrawlerStrategy:  job.Strategy,
		FallbackOccurred: job.FallbackDone,
		BlockEvidence:    job.BlockEvidence,
		RestartCount:     job.RestartCount,

		StatusCodes: hist.statusCodes,
		StartedAt:   job.StartedAt,
	}

	if counts, err := s.store.FrontierStorage().Counts(ctx, job.ID); err == nil {
		summary.TotalURLsSeen = counts.Total()
	}

	if errSummary, err := s.store.EventStorage().ErrorSummary(ctx, job.ID, 10, 5); err == nil && errSummary != nil {
		summary.ErrorTypes = errSummary.ByKind
		summary.LastErrors = errSummary.LastErrors
	}

	if len(hist.extractorModes) > 0 {
		summary.ExtractionModes = hist.extractorModes
	}
	if hist.records > 0 {
		summary.ExtractionSuccessRate = float64(hist.extracted) / float64(hist.records)
	}
	if hist.extracted > 0 {
		summary.AvgTextLength = float64(hist.textSum) / float64(hist.extracted)
	}

	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	summary.FinishedAt = &finished
	if job.StartedAt != nil {
		summary.ElapsedSeconds = finished.Sub(*job.StartedAt).Seconds()
	}
	return summary
}

// registerArtifacts records every output file, returning how many were
// registered. The raw spool is included when it exists; a job that crashed
// before its first fetch has none.
func (s *Service) registerArtifacts(ctx context.Context, jobID string, manifest []ManifestEntry) (int, error) {
	registered := 0

	rawPath := common.RawSpoolPath(s.outputRoot, jobID)
	if _, err := os.Stat(rawPath); err == nil {
		if err := s.registerFile(ctx, jobID, models.ArtifactPagesRaw, rawPath); err != nil {
			return registered, err
		}
		registered++
	}

	if err := s.registerFile(ctx, jobID, models.ArtifactPages, common.CorpusPath(s.outputRoot, jobID)); err != nil {
		return registered, err
	}
	registered++

	if err := s.registerFile(ctx, jobID, models.ArtifactSummary, common.SummaryPath(s.outputRoot, jobID)); err != nil {
		return registered, err
	}
	registered++

	kbDir := common.KBDir(s.outputRoot, jobID)
	for _, entry := range manifest {
		if err := s.registerFile(ctx, jobID, models.ArtifactKBPage, filepath.Join(kbDir, entry.Slug+".md")); err != nil {
			return registered, err
		}
		registered++
	}

	if err := s.registerFile(ctx, jobID, models.ArtifactKBManifest, common.KBManifestPath(s.outputRoot, jobID)); err != nil {
		return registered, err
	}
	registered++

	return registered, nil
}

// registerFile stores one artifact row with size and digest.
func (s *Service) registerFile(ctx context.Context, jobID string, kind models.ArtifactKind, path string) error {
	size, digest, err := fileDigest(path)
	if err != nil {
		return fmt.Errorf("failed to digest %s artifact: %w", kind, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	artifact := &models.JobArtifact{
		JobID:     jobID,
		Kind:      kind,
		Path:      abs,
		Bytes:     size,
		SHA256:    digest,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.ArtifactStorage().RegisterArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("failed to register %s artifact: %w", kind, err)
	}
	return nil
}

// fileDigest returns a file's size and sha256 hex digest. Files past the
// hash cap return an empty digest.
func fileDigest(path string) (int64, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", err
	}
	if info.Size() > hashSizeCap {
		return info.Size(), "", nil
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return 0, "", err
	}
	return info.Size(), hex.EncodeToString(hash.Sum(nil)), nil
}

// writeJSONFile writes v as indented JSON with a trailing newline.
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
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
