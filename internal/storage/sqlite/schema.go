package sqlite

// Timestamps are stored as Unix milliseconds so lease and visibility
// comparisons keep sub-second precision.
const schemaSQL = `
-- Crawl jobs with configuration snapshots so a job is self-contained
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	config_json TEXT NOT NULL,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	pages_passed INTEGER NOT NULL DEFAULT 0,
	pages_failed INTEGER NOT NULL DEFAULT 0,
	dup_count INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	site_status TEXT NOT NULL DEFAULT 'ok',
	strategy TEXT NOT NULL DEFAULT 'http',
	fallback_occurred INTEGER NOT NULL DEFAULT 0,
	block_evidence_json TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	access_token_hash TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	started_at INTEGER,
	heartbeat_at INTEGER,
	last_progress_at INTEGER,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON crawl_jobs(state, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON crawl_jobs(created_at DESC);

-- URL frontier; (job_id, canonical_url) is the identity
CREATE TABLE IF NOT EXISTS frontier (
	job_id TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	earliest_visible_at INTEGER NOT NULL DEFAULT 0,
	leased_by TEXT NOT NULL DEFAULT '',
	leased_at INTEGER,
	lease_expires_at INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	completed_at INTEGER,
	PRIMARY KEY (job_id, canonical_url)
);

CREATE INDEX IF NOT EXISTS idx_frontier_lease ON frontier(job_id, state, earliest_visible_at);

-- Deduplicated documents; (job_id, content_hash) is the identity
CREATE TABLE IF NOT EXISTS documents (
	id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	title_hash TEXT NOT NULL DEFAULT '',
	markdown TEXT NOT NULL,
	text_length INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	fetcher TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	first_seen_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_job ON documents(job_id, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_documents_title ON documents(job_id, title_hash);

-- Duplicate URLs mapped onto their winning document
CREATE TABLE IF NOT EXISTS url_aliases (
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, url)
);

CREATE INDEX IF NOT EXISTS idx_aliases_doc ON url_aliases(job_id, doc_id);

-- Append-only crawl log
CREATE TABLE IF NOT EXISTS job_events (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	level TEXT NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	fields_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_job ON job_events(job_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_type ON job_events(job_id, type, created_at DESC);

-- Registered output files
CREATE TABLE IF NOT EXISTS job_artifacts (
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	bytes INTEGER NOT NULL DEFAULT 0,
	sha256 TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, kind, path)
);
`

// initSchema initializes the database schema
func (s *SQLiteDB) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Debug().Msg("Database schema initialized")
	return nil
}
