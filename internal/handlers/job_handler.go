package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/models"
	"github.com/ternarybob/skrapp/internal/services/jobs"
)

// JobHandler handles crawl job API requests
type JobHandler struct {
	jobs     *jobs.Service
	config   *common.Config
	logger   arbor.ILogger
	markdown goldmark.Markdown
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, config *common.Config, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:   jobService,
		config: config,
		logger: logger,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithXHTML()),
		),
	}
}

// CreateJobHandler creates a crawl job and returns it together with the
// one-time plaintext access token.
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, token, err := h.jobs.Create(r.Context(), &req)
	if err != nil {
		h.writeJobError(w, err, "create job")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("seed_url", job.Config.SeedURL).
		Msg("Job created via API")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job":          job,
		"access_token": token,
	})
}

// ListJobsHandler returns jobs newest first, optionally filtered by state.
// GET /api/jobs?state=queued,running&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	states, err := jobs.ParseStates(r.URL.Query().Get("state"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.jobs.List(r.Context(), states, QueryInt(r, "limit", 0), QueryInt(r, "offset", 0))
	if err != nil {
		h.writeJobError(w, err, "list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJobHandler returns a single job with frontier counts and document count.
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	view, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err, "get job")
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// CancelJobHandler requests cooperative cancellation.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err, "cancel job")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler removes a terminal job and everything it owns.
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	if err := h.jobs.Delete(r.Context(), id); err != nil {
		h.writeJobError(w, err, "delete job")
		return
	}
	WriteSuccess(w, "job deleted")
}

// EventsHandler returns the newest crawl log entries.
// GET /api/jobs/{id}/events?limit=100
func (h *JobHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	events, err := h.jobs.Events(r.Context(), id, QueryInt(r, "limit", 0))
	if err != nil {
		h.writeJobError(w, err, "list events")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ArtifactsHandler returns the registered output files of a job.
// GET /api/jobs/{id}/artifacts
func (h *JobHandler) ArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	artifacts, err := h.jobs.Artifacts(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err, "list artifacts")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// DownloadArtifactHandler streams a registered artifact file. The path must
// match a registered artifact exactly; with auth enabled the job's access
// token is required as a bearer token.
// GET /api/jobs/{id}/artifacts/download?path=...
func (h *JobHandler) DownloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	view, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err, "download artifact")
		return
	}
	if h.config.Server.AuthEnabled && !h.jobs.VerifyAccessToken(view.CrawlJob, bearerToken(r)) {
		WriteError(w, http.StatusUnauthorized, "invalid or missing access token")
		return
	}

	artifact, err := h.jobs.ArtifactByPath(r.Context(), id, path)
	if err != nil {
		h.writeJobError(w, err, "download artifact")
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, http.StatusNotFound, "artifact file missing on disk")
			return
		}
		h.logger.Error().Err(err).Str("path", artifact.Path).Msg("Failed to open artifact")
		WriteError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error().Err(err).Str("path", artifact.Path).Msg("Failed to stat artifact")
		WriteError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}

	name := filepath.Base(artifact.Path)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// KBPageHandler renders a stored knowledge base page as HTML.
// GET /api/jobs/{id}/kb/{slug}
func (h *JobHandler) KBPageHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[2] == "" || parts[4] == "" {
		WriteError(w, http.StatusBadRequest, "job ID and page slug are required")
		return
	}
	id, slug := parts[2], parts[4]
	if !validSlug(slug) {
		WriteError(w, http.StatusBadRequest, "invalid page slug")
		return
	}

	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		h.writeJobError(w, err, "render page")
		return
	}

	raw, err := os.ReadFile(filepath.Join(common.KBDir(h.config.Output.Dir, id), slug+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, http.StatusNotFound, "page not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id).Str("slug", slug).Msg("Failed to read kb page")
		WriteError(w, http.StatusInternalServerError, "failed to read page")
		return
	}

	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(stripFrontmatter(string(raw))), &buf); err != nil {
		h.logger.Error().Err(err).Str("slug", slug).Msg("Failed to render kb page")
		WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// writeJobError maps service errors to API status codes.
func (h *JobHandler) writeJobError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrJobStateConflict):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrInvalidRequest):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Job API request failed")
		WriteError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// jobIDFromPath extracts {id} from /api/jobs/{id}[/...].
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// validSlug accepts the slug grammar kb pages are written with: lowercase
// letters, digits and hyphens.
func validSlug(s string) bool {
	if s == "" || len(s) > 100 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// stripFrontmatter removes the YAML front matter block kb pages start with.
func stripFrontmatter(markdown string) string {
	if !strings.HasPrefix(markdown, "---\n") {
		return markdown
	}
	endIdx := strings.Index(markdown[4:], "\n---\n")
	if endIdx == -1 {
		return markdown
	}
	return strings.TrimSpace(markdown[4+endIdx+5:])
}
