package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// AliasReason explains why a URL maps to a document it did not create
type AliasReason string

const (
	// AliasReasonCanonical: two raw URLs canonicalized to the same frontier entry.
	AliasReasonCanonical AliasReason = "canonical"
	// AliasReasonContentHash: a distinct URL produced byte-identical extracted content.
	AliasReasonContentHash AliasReason = "content_hash"
	// AliasReasonRedirect: the fetch redirected onto a URL that already has a document.
	AliasReasonRedirect AliasReason = "redirect"
	// AliasReasonLanguageVariant: same page in another language (matching title hash).
	AliasReasonLanguageVariant AliasReason = "language_variant"
)

// Document represents a deduplicated page.
// PRIMARY CONTENT FORMAT: Markdown (Markdown field).
// Identity is (JobID, ContentHash): the first URL to produce a given content
// hash owns the document, later URLs become aliases.
type Document struct {
	// Identity
	ID          string `json:"id"` // doc_{uuid}
	JobID       string `json:"job_id" badgerhold:"index"`
	ContentHash string `json:"content_hash" badgerhold:"index"` // sha256 hex of Markdown

	// Content (markdown-first)
	URL        string `json:"url"` // Primary URL (first fetched)
	Title      string `json:"title"`
	TitleHash  string `json:"title_hash"` // First 16 hex chars of sha256 of the normalized title
	Markdown   string `json:"markdown"`
	TextLength int    `json:"text_length"`        // Rune count of the extracted text
	Language   string `json:"language,omitempty"` // ISO 639-1, empty when undetected

	// Fetch provenance
	Fetcher      string  `json:"fetcher"` // "http" or "js"
	StatusCode   int     `json:"status_code"`
	QualityScore float64 `json:"quality_score"`

	FirstSeenAt time.Time `json:"first_seen_at"`
}

// DocumentKey builds the storage key enforcing (job, content hash) uniqueness.
func DocumentKey(jobID, contentHash string) string {
	return jobID + "|" + contentHash
}

// URLAlias records a URL that resolved to an existing document
type URLAlias struct {
	JobID     string      `json:"job_id" badgerhold:"index"`
	DocID     string      `json:"doc_id" badgerhold:"index"`
	URL       string      `json:"url"`
	Reason    AliasReason `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}

// AliasKey builds the storage key enforcing (job, url) uniqueness.
func AliasKey(jobID, url string) string {
	return jobID + "|" + url
}

// HashContent returns the sha256 hex digest used as document identity.
func HashContent(markdown string) string {
	sum := sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}

// HashTitle returns the short title fingerprint used for language-variant
// detection: sha256 of the lowercased, whitespace-collapsed title, first 16
// hex characters.
func HashTitle(title string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
