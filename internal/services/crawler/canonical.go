package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalizeURL normalizes a URL to the form used as its frontier and
// dedup identity: lowercase scheme and host, default port stripped,
// fragment and query dropped, duplicate slashes collapsed, a terminal
// /index.html or /index.htm folded into its directory, and the trailing
// slash trimmed everywhere but the root. The result is idempotent.
func CanonicalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	if strings.HasSuffix(path, "/index.html") || strings.HasSuffix(path, "/index.htm") {
		path = path[:strings.LastIndex(path, "/")+1]
	}

	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}

	canonical := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}

	return canonical.String(), nil
}

// hostOf extracts the lowercased hostname (no port) from a URL, or ""
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// pathOf extracts the path from a URL, defaulting to "/"
func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
