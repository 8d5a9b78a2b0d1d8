package crawler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/skrapp/internal/models"
)

// File extensions never fetched, matched case-insensitively against the
// end of the path
var excludedExtensions = []string{
	".pdf", ".zip", ".png", ".jpg", ".jpeg", ".gif", ".svg",
	".webp", ".ico", ".css", ".js", ".xml", ".json",
}

// Admission applies the per-job URL scope rules. The same checks run at
// enqueue time (filtering outlinks) and again at lease time, since job
// config and budget can move between the two.
type Admission struct {
	allowedHost        string
	ignorePathPrefixes []string
	maxDepth           int
}

// NewAdmission builds the admission rules from a job's config
func NewAdmission(config *models.JobConfig) *Admission {
	return &Admission{
		allowedHost:        strings.ToLower(config.AllowedHost),
		ignorePathPrefixes: config.IgnorePathPrefixes,
		maxDepth:           config.MaxDepth,
	}
}

// Check returns nil when the URL is in scope, or a reason error naming the
// failed rule. Budget is checked separately by the caller since it moves
// with every completed fetch.
func (a *Admission) Check(rawURL string, depth int) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable_url: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme_not_allowed: %s", scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host != a.allowedHost {
		return fmt.Errorf("host_not_allowed: %s", host)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	for _, prefix := range a.ignorePathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return fmt.Errorf("ignored_path_prefix: %s", prefix)
		}
	}

	lowerPath := strings.ToLower(path)
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return fmt.Errorf("excluded_extension: %s", ext)
		}
	}

	if depth > a.maxDepth {
		return fmt.Errorf("depth_exceeded: %d>%d", depth, a.maxDepth)
	}

	return nil
}
