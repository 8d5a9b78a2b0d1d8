package jobs

// service.go is the control-plane face of crawl jobs: validated creation
// with budget clamping and a one-time access token, views joined with
// frontier and document counts, cooperative cancellation, and
// terminal-only deletion with a full cascade.

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ErrInvalidRequest marks a creation rejected for bad input, as opposed to
// a storage failure. Handlers map it to 400.
var ErrInvalidRequest = errors.New("invalid job request")

// CreateJobRequest is the creation payload. All fields are validated with
// go-playground/validator tags before any defaulting happens.
type CreateJobRequest struct {
	Name               string   `json:"name" validate:"required,max=200"`
	SeedURL            string   `json:"seed_url" validate:"required,url"`
	AllowedHost        string   `json:"allowed_host,omitempty"`
	MaxPages           int      `json:"max_pages,omitempty" validate:"omitempty,gt=0"`
	MaxDepth           int      `json:"max_depth,omitempty" validate:"omitempty,gt=0"`
	UseJS              bool     `json:"use_js,omitempty"`
	IgnorePathPrefixes []string `json:"ignore_path_prefixes,omitempty" validate:"omitempty,dive,min=1"`
	DownloadDelayMS    int      `json:"download_delay_ms,omitempty" validate:"omitempty,gte=0,lte=60000"`
}

// JobView is a job row joined with its live frontier and corpus counts
type JobView struct {
	*models.CrawlJob
	Frontier models.FrontierCounts `json:"frontier"`
	DocCount int                   `json:"doc_count"`
}

// Service provides job management operations for the HTTP control plane
type Service struct {
	store    interfaces.StorageManager
	events   interfaces.EventService
	config   *common.Config
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewService creates a new job service
func NewService(store interfaces.StorageManager, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		events:   events,
		config:   config,
		logger:   logger,
		validate: validator.New(),
	}
}

// Create validates the request, clamps budgets to configured limits and
// persists a queued job. The returned token is the only time the plaintext
// access token exists; the row keeps its sha256.
func (s *Service) Create(ctx context.Context, req *CreateJobRequest) (*models.CrawlJob, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	seed, err := url.Parse(strings.TrimSpace(req.SeedURL))
	if err != nil {
		return nil, "", fmt.Errorf("%w: unparseable seed_url: %v", ErrInvalidRequest, err)
	}
	if seed.Scheme != "http" && seed.Scheme != "https" {
		return nil, "", fmt.Errorf("%w: seed_url must be http or https, got %q", ErrInvalidRequest, seed.Scheme)
	}
	host := strings.ToLower(seed.Hostname())
	if host == "" {
		return nil, "", fmt.Errorf("%w: seed_url has no host", ErrInvalidRequest)
	}
	if !s.config.AllowTestURLs() && isTestHost(host) {
		return nil, "", fmt.Errorf("%w: seed_url host %q is not allowed in production", ErrInvalidRequest, host)
	}

	allowed := host
	if req.AllowedHost != "" {
		allowed = strings.ToLower(strings.TrimSpace(req.AllowedHost))
		if allowed != host {
			return nil, "", fmt.Errorf("%w: seed_url host %q does not match allowed_host %q", ErrInvalidRequest, host, allowed)
		}
	}

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = s.config.Crawler.DefaultMaxPages
	}
	if maxPages > s.config.Crawler.MaxPagesLimit {
		maxPages = s.config.Crawler.MaxPagesLimit
	}

	maxDepth := req.MaxDepth
	if maxDepth <= 0 || maxDepth > s.config.Crawler.DepthLimit {
		maxDepth = s.config.Crawler.DepthLimit
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	job := &models.CrawlJob{
		ID:    common.NewJobID(),
		Name:  strings.TrimSpace(req.Name),
		State: models.JobStateQueued,
		Config: models.JobConfig{
			SeedURL:            seed.String(),
			AllowedHost:        allowed,
			MaxPages:           maxPages,
			MaxDepth:           maxDepth,
			UseJS:              req.UseJS,
			IgnorePathPrefixes: normalizePrefixes(req.IgnorePathPrefixes),
			DownloadDelay:      float64(req.DownloadDelayMS) / 1000.0,
		},
		SiteStatus:      models.SiteStatusOK,
		AccessTokenHash: hashToken(token),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.config.Jobs.Expiry()),
	}

	if err := s.store.JobStorage().CreateJob(ctx, job); err != nil {
		return nil, "", fmt.Errorf("failed to create job: %w", err)
	}

	s.logEvent(ctx, job.ID, models.EventLevelInfo, models.EventStateChange, "Job created", map[string]interface{}{
		"state":        string(models.JobStateQueued),
		"seed_url":     job.Config.SeedURL,
		"allowed_host": job.Config.AllowedHost,
		"max_pages":    job.Config.MaxPages,
		"max_depth":    job.Config.MaxDepth,
		"use_js":       job.Config.UseJS,
	})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id": job.ID,
		"state":  string(models.JobStateQueued),
	})

	s.logger.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("seed_url", job.Config.SeedURL).
		Int("max_pages", job.Config.MaxPages).
		Int("max_depth", job.Config.MaxDepth).
		Bool("use_js", job.Config.UseJS).
		Msg("Job created")

	return job, token, nil
}

// Get returns one job with frontier and document counts attached.
func (s *Service) Get(ctx context.Context, id string) (*JobView, error) {
	job, err := s.store.JobStorage().GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &JobView{CrawlJob: job}
	if counts, err := s.store.FrontierStorage().Counts(ctx, id); err == nil {
		view.Frontier = counts
	} else {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to load frontier counts")
	}
	if count, err := s.store.DocumentStorage().CountDocuments(ctx, id); err == nil {
		view.DocCount = count
	} else {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to count documents")
	}
	return view, nil
}

// List returns jobs filtered by state, newest first.
func (s *Service) List(ctx context.Context, states []models.JobState, limit, offset int) ([]*models.CrawlJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.JobStorage().ListJobs(ctx, interfaces.JobFilter{
		States: states,
		Limit:  limit,
		Offset: offset,
	})
}

// Cancel sets the cooperative cancel flag. The engine observes it on the
// heartbeat cadence; queued jobs are picked up and immediately finalized
// by the claiming engine, so the flag alone is enough there too.
func (s *Service) Cancel(ctx context.Context, id string) (*models.CrawlJob, error) {
	job, err := s.store.JobStorage().GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s and cannot be cancelled: %w", id, job.State, models.ErrJobStateConflict)
	}
	if job.CancelRequested {
		return job, nil
	}

	if err := s.store.JobStorage().RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	job.CancelRequested = true

	s.logEvent(ctx, id, models.EventLevelInfo, models.EventStateChange, "Cancellation requested", map[string]interface{}{
		"state": string(job.State),
	})
	s.publish(interfaces.EventJobUpdated, map[string]interface{}{
		"job_id":           id,
		"state":            string(job.State),
		"cancel_requested": true,
	})

	s.logger.Info().Str("job_id", id).Str("state", string(job.State)).Msg("Cancellation requested")
	return job, nil
}

// Delete removes a terminal job and everything it owns: frontier,
// documents, events, artifacts, the job row, and the output directory.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.JobStorage().GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("job %s is %s; only terminal jobs can be deleted: %w", id, job.State, models.ErrJobStateConflict)
	}

	if err := s.store.FrontierStorage().DeleteJobFrontier(ctx, id); err != nil {
		return fmt.Errorf("failed to delete frontier: %w", err)
	}
	if err := s.store.DocumentStorage().DeleteJobDocuments(ctx, id); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if err := s.store.EventStorage().DeleteJobEvents(ctx, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if err := s.store.ArtifactStorage().DeleteJobArtifacts(ctx, id); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	if err := s.store.JobStorage().DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := os.RemoveAll(common.JobOutputDir(s.config.Output.Dir, id)); err != nil {
		return fmt.Errorf("failed to remove output directory: %w", err)
	}

	s.logger.Info().Str("job_id", id).Str("state", string(job.State)).Msg("Job deleted")
	return nil
}

// Events returns the newest crawl log entries for a job.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]*models.JobEvent, error) {
	if _, err := s.store.JobStorage().GetJob(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return s.store.EventStorage().ListEvents(ctx, id, limit)
}

// Artifacts returns the registered output files for a job.
func (s *Service) Artifacts(ctx context.Context, id string) ([]*models.JobArtifact, error) {
	if _, err := s.store.JobStorage().GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ArtifactStorage().ListArtifacts(ctx, id)
}

// ArtifactByPath resolves a registered artifact for download. Unregistered
// paths return models.ErrNotFound, so the download handler can never be
// steered at arbitrary files.
func (s *Service) ArtifactByPath(ctx context.Context, id, path string) (*models.JobArtifact, error) {
	if _, err := s.store.JobStorage().GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ArtifactStorage().GetArtifactByPath(ctx, id, path)
}

// VerifyAccessToken checks a presented plaintext token against the job's
// stored hash in constant time.
func (s *Service) VerifyAccessToken(job *models.CrawlJob, token string) bool {
	if job == nil || job.AccessTokenHash == "" || token == "" {
		return false
	}
	expected, err := hex.DecodeString(job.AccessTokenHash)
	if err != nil {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// ParseStates converts a comma-separated state filter into job states,
// rejecting unknown names.
func ParseStates(raw string) ([]models.JobState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	known := map[models.JobState]bool{
		models.JobStateQueued:     true,
		models.JobStateRunning:    true,
		models.JobStateFinalizing: true,
		models.JobStateDone:       true,
		models.JobStateFailed:     true,
		models.JobStateCancelled:  true,
		models.JobStateExpired:    true,
	}

	var states []models.JobState
	for _, part := range strings.Split(raw, ",") {
		state := models.JobState(strings.ToLower(strings.TrimSpace(part)))
		if state == "" {
			continue
		}
		if !known[state] {
			return nil, fmt.Errorf("%w: unknown job state %q", ErrInvalidRequest, state)
		}
		states = append(states, state)
	}
	return states, nil
}

// normalizePrefixes trims entries and guarantees a leading slash; empty
// entries are dropped.
func normalizePrefixes(prefixes []string) []string {
	var out []string
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" || p == "/" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = append(out, p)
	}
	return out
}

// isTestHost reports whether a host is a loopback or development name that
// production deployments must not crawl.
func isTestHost(host string) bool {
	if host == "localhost" || host == "::1" || host == "0.0.0.0" {
		return true
	}
	if strings.HasPrefix(host, "127.") {
		return true
	}
	return strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}

// newAccessToken generates the one-time plaintext job token.
func newAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	return fmt.Sprintf("skt_%x", b), nil
}

// hashToken returns the sha256 hex stored on the job row.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
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
