package common

import "path/filepath"

// Per-job output layout. Everything a crawl emits lives under one directory
// keyed by job ID, so retention cleanup is a single directory removal.

// JobOutputDir returns the root of a job's output tree.
func JobOutputDir(root, jobID string) string {
	return filepath.Join(root, jobID)
}

// RawSpoolPath returns the append-only fetch record spool (pages.raw.jsonl).
func RawSpoolPath(root, jobID string) string {
	return filepath.Join(root, jobID, "pages.raw.jsonl")
}

// CorpusPath returns the deduplicated corpus file (pages.jsonl).
func CorpusPath(root, jobID string) string {
	return filepath.Join(root, jobID, "pages.jsonl")
}

// SummaryPath returns the job summary file (summary.json).
func SummaryPath(root, jobID string) string {
	return filepath.Join(root, jobID, "summary.json")
}

// KBDir returns the per-page markdown directory (kb/).
func KBDir(root, jobID string) string {
	return filepath.Join(root, jobID, "kb")
}

// KBManifestPath returns the knowledge base manifest (kb/manifest.json).
func KBManifestPath(root, jobID string) string {
	return filepath.Join(root, jobID, "kb", "manifest.json")
}
