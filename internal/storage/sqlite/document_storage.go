package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

const documentColumns = `id, job_id, content_hash, url, title, title_hash, markdown,
	text_length, language, fetcher, status_code, quality_score, first_seen_at`

// DocumentStorage implements SQLite storage for deduplicated documents
type DocumentStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewDocumentStorage creates a new document storage instance
func NewDocumentStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertDocument enforces the (job, content hash) identity: a new hash
// inserts and returns (id, true), a repeat returns the existing document's id
// and false without overwriting it.
func (s *DocumentStorage) UpsertDocument(ctx context.Context, doc *models.Document) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.JobID == "" || doc.ContentHash == "" {
		return "", false, fmt.Errorf("job ID and content hash are required")
	}
	if doc.ID == "" {
		return "", false, fmt.Errorf("document ID is required")
	}
	if doc.FirstSeenAt.IsZero() {
		doc.FirstSeenAt = time.Now().UTC()
	}

	result, err := s.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.JobID, doc.ContentHash, doc.URL, doc.Title, doc.TitleHash, doc.Markdown,
		doc.TextLength, doc.Language, doc.Fetcher, doc.StatusCode, doc.QualityScore, millis(doc.FirstSeenAt))
	if err != nil {
		return "", false, fmt.Errorf("failed to save document: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected > 0 {
		s.logger.Trace().Str("job_id", doc.JobID).Str("doc_id", doc.ID).Str("url", doc.URL).Msg("Document stored")
		return doc.ID, true, nil
	}

	var existingID string
	err = s.db.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE job_id = ? AND content_hash = ?`,
		doc.JobID, doc.ContentHash).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load existing document: %w", err)
	}
	return existingID, false, nil
}

// GetDocumentByHash retrieves a document by its (job, content hash) identity.
func (s *DocumentStorage) GetDocumentByHash(ctx context.Context, jobID, contentHash string) (*models.Document, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE job_id = ? AND content_hash = ?`,
		jobID, contentHash)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// FindDocumentByTitleHash returns the earliest document with the given title
// fingerprint, used for language-variant detection.
func (s *DocumentStorage) FindDocumentByTitleHash(ctx context.Context, jobID, titleHash string) (*models.Document, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE job_id = ? AND title_hash = ?
		ORDER BY first_seen_at ASC LIMIT 1`,
		jobID, titleHash)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document by title hash: %w", err)
	}
	return doc, nil
}

// ListDocuments returns every document of a job in first-seen order.
func (s *DocumentStorage) ListDocuments(ctx context.Context, jobID string) ([]*models.Document, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE job_id = ? ORDER BY first_seen_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns how many deduplicated documents a job has.
func (s *DocumentStorage) CountDocuments(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// AttachURLAlias records a duplicate URL; (job, url) is unique and a repeat
// attach returns (false, nil).
func (s *DocumentStorage) AttachURLAlias(ctx context.Context, alias *models.URLAlias) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias.JobID == "" || alias.URL == "" || alias.DocID == "" {
		return false, fmt.Errorf("job ID, url and doc ID are required")
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO url_aliases (job_id, url, doc_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		alias.JobID, alias.URL, alias.DocID, string(alias.Reason), millis(alias.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to attach alias: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListAliases returns the aliases attached to one document, oldest first.
func (s *DocumentStorage) ListAliases(ctx context.Context, jobID, docID string) ([]*models.URLAlias, error) {
	return s.queryAliases(ctx, `
		SELECT job_id, url, doc_id, reason, created_at FROM url_aliases
		WHERE job_id = ? AND doc_id = ? ORDER BY created_at ASC, url ASC`, jobID, docID)
}

// ListJobAliases returns every alias recorded for a job, oldest first.
func (s *DocumentStorage) ListJobAliases(ctx context.Context, jobID string) ([]*models.URLAlias, error) {
	return s.queryAliases(ctx, `
		SELECT job_id, url, doc_id, reason, created_at FROM url_aliases
		WHERE job_id = ? ORDER BY created_at ASC, url ASC`, jobID)
}

// DeleteJobDocuments removes a job's documents and their aliases.
func (s *DocumentStorage) DeleteJobDocuments(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM documents WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM url_aliases WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete aliases: %w", err)
	}
	return nil
}

func (s *DocumentStorage) queryAliases(ctx context.Context, query string, args ...interface{}) ([]*models.URLAlias, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*models.URLAlias
	for rows.Next() {
		var (
			alias     models.URLAlias
			reason    string
			createdAt int64
		)
		if err := rows.Scan(&alias.JobID, &alias.URL, &alias.DocID, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		alias.Reason = models.AliasReason(reason)
		alias.CreatedAt = millisToTime(createdAt)
		aliases = append(aliases, &alias)
	}
	return aliases, rows.Err()
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc         models.Document
		firstSeenAt int64
	)
	err := row.Scan(
		&doc.ID, &doc.JobID, &doc.ContentHash, &doc.URL, &doc.Title, &doc.TitleHash, &doc.Markdown,
		&doc.TextLength, &doc.Language, &doc.Fetcher, &doc.StatusCode, &doc.QualityScore, &firstSeenAt,
	)
	if err != nil {
		return nil, err
	}
	doc.FirstSeenAt = millisToTime(firstSeenAt)
	return &doc, nil
}
