package models

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Quality verdicts for a fetched page
const (
	VerdictPass     = "pass"
	VerdictMarginal = "marginal"
	VerdictFail     = "fail"
)

// PageRecord is one line of pages.raw.jsonl: the outcome of a single fetch,
// success or failure. The spool is the engine's append-only fetch log; it
// carries hashes and verdicts but not content, which lives in the document
// store under content-hash dedup.
type PageRecord struct {
	URL          string  `json:"url"`
	CanonicalURL string  `json:"canonical_url"`
	FinalURL     string  `json:"final_url,omitempty"` // Post-redirect, when it differs
	Depth        int     `json:"depth"`
	Fetcher      string  `json:"fetcher"`
	StatusCode   int     `json:"status_code"`
	ContentHash  string  `json:"content_hash,omitempty"` // Empty on failed or filtered fetches
	Title        string  `json:"title,omitempty"`
	Language     string  `json:"language,omitempty"`
	TextLength   int     `json:"text_length"`
	Quality      float64 `json:"quality_score"`
	Verdict      string  `json:"quality_verdict"`
	Reasons      []string `json:"quality_reasons,omitempty"`
	ExtractorUsed string  `json:"extractor,omitempty"` // primary, alternate, plaintext
	OutlinkCount int      `json:"outlink_count"`
	IsDuplicate  bool     `json:"is_duplicate,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error,omitempty"`
	RetryCount   int      `json:"retry_count"`
	FetchedAt    time.Time `json:"fetched_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// WritePageRecord appends one record as a single JSON line.
func WritePageRecord(w io.Writer, rec *PageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal page record: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write page record: %w", err)
	}
	return nil
}

// ReadPageRecords streams records from a JSONL reader, calling fn for each.
// Blank lines are skipped; a malformed line aborts with its line number so a
// truncated spool from a crashed process is diagnosable.
func ReadPageRecords(r io.Reader, fn func(*PageRecord) error) error {
	scanner := bufio.NewScanner(r)
	// Rendered pages can be large; allow lines up to 16MB.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec PageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to parse page record at line %d: %w", line, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read page records: %w", err)
	}
	return nil
}
