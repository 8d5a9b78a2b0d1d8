package models

import (
	"time"
)

// ArtifactKind identifies what a registered output file is
type ArtifactKind string

const (
	ArtifactPagesRaw   ArtifactKind = "pages_raw"   // pages.raw.jsonl fetch spool
	ArtifactPages      ArtifactKind = "pages"       // pages.jsonl deduplicated corpus
	ArtifactSummary    ArtifactKind = "summary"     // summary.json
	ArtifactKBPage     ArtifactKind = "kb_page"     // kb/<slug>.md
	ArtifactKBManifest ArtifactKind = "kb_manifest" // kb/manifest.json
)

// JobArtifact is a registered output file of a finalized job.
// Re-registering the same (job, kind, path) replaces the row, keeping
// finalization idempotent.
type JobArtifact struct {
	JobID     string       `json:"job_id" badgerhold:"index"`
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path"` // Absolute path on disk
	Bytes     int64        `json:"bytes"`
	SHA256    string       `json:"sha256,omitempty"` // Empty for files over the hash size cap
	CreatedAt time.Time    `json:"created_at"`
}

// ArtifactKey builds the storage key enforcing (job, kind, path) uniqueness.
func ArtifactKey(jobID string, kind ArtifactKind, path string) string {
	return jobID + "|" + string(kind) + "|" + path
}
