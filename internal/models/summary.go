package models

import (
	"time"
)

// CrawlSummary is the summary.json artifact: the one-page account of what a
// crawl did and how the site behaved.
type CrawlSummary struct {
	JobID    string   `json:"job_id"`
	JobName  string   `json:"job_name"`
	State    JobState `json:"state"`
	SeedURL  string   `json:"seed_url"`
	AllowedHost string `json:"allowed_host"`
	MaxPages int      `json:"max_pages"`
	MaxDepth int      `json:"max_depth"`

	TotalURLsSeen int `json:"total_urls_seen"`
	TotalFetched  int `json:"total_fetched"`
	TotalExported int `json:"total_exported"` // Unique documents in pages.jsonl
	TotalErrors   int `json:"total_errors"`
	DupCount      int `json:"dup_count"`

	SiteStatus       SiteStatus     `json:"site_status"`
	CrawlerStrategy  CrawlStrategy  `json:"crawler_strategy"`
	FallbackOccurred bool           `json:"fallback_occurred"`
	BlockEvidence    *BlockEvidence `json:"block_evidence,omitempty"`
	RestartCount     int            `json:"restart_count"`

	StatusCodes map[string]int `json:"status_codes"` // "200" -> count; "0" for transport failures
	ErrorTypes  map[string]int `json:"error_types,omitempty"` // Top error kinds, at most ten
	LastErrors  []string       `json:"last_errors,omitempty"`

	ExtractionModes       map[string]int `json:"extraction_mode_distribution,omitempty"` // primary/readability/plaintext -> count
	ExtractionSuccessRate float64        `json:"extraction_success_rate"`
	AvgTextLength         float64        `json:"avg_text_length"`

	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
}
