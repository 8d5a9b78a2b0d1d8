package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/models"
)

type documentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a badger-backed document storage.
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &documentStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertDocument enforces the (job, content hash) identity. A new hash
// inserts the document and returns (id, true); a repeat returns the existing
// document's id and false, leaving the stored row exactly as the first
// writer left it.
func (s *documentStorage) UpsertDocument(ctx context.Context, doc *models.Document) (string, bool, error) {
	if doc.JobID == "" || doc.ContentHash == "" {
		return "", false, fmt.Errorf("job ID and content hash are required")
	}
	if doc.ID == "" {
		return "", false, fmt.Errorf("document ID is required")
	}
	if doc.FirstSeenAt.IsZero() {
		doc.FirstSeenAt = time.Now().UTC()
	}

	key := models.DocumentKey(doc.JobID, doc.ContentHash)
	var (
		id      string
		created bool
	)
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var existing models.Document
		err := s.db.Store().TxGet(txn, key, &existing)
		if err == nil {
			id = existing.ID
			created = false
			return nil
		}
		if err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to check for existing document: %w", err)
		}

		if err := s.db.Store().TxInsert(txn, key, doc); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}
		id = doc.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if created {
		s.logger.Trace().Str("job_id", doc.JobID).Str("doc_id", id).Str("url", doc.URL).Msg("Document stored")
	}
	return id, created, nil
}

// GetDocumentByHash retrieves a document by its (job, content hash) identity.
func (s *documentStorage) GetDocumentByHash(ctx context.Context, jobID, contentHash string) (*models.Document, error) {
	var doc models.Document
	if err := s.db.Store().Get(models.DocumentKey(jobID, contentHash), &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// FindDocumentByTitleHash returns the earliest document in the job with the
// given title fingerprint, used for language-variant detection.
func (s *documentStorage) FindDocumentByTitleHash(ctx context.Context, jobID, titleHash string) (*models.Document, error) {
	var docs []*models.Document
	query := badgerhold.Where("JobID").Eq(jobID).
		And("TitleHash").Eq(titleHash).
		SortBy("FirstSeenAt").Limit(1)
	if err := s.db.Store().Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to find document by title hash: %w", err)
	}
	if len(docs) == 0 {
		return nil, models.ErrNotFound
	}
	return docs[0], nil
}

// ListDocuments returns every document of a job in first-seen order.
func (s *documentStorage) ListDocuments(ctx context.Context, jobID string) ([]*models.Document, error) {
	var docs []*models.Document
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("FirstSeenAt")
	if err := s.db.Store().Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// CountDocuments returns how many deduplicated documents a job has.
func (s *documentStorage) CountDocuments(ctx context.Context, jobID string) (int, error) {
	docs, err := s.ListDocuments(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// AttachURLAlias records a duplicate URL against its winning document. The
// (job, url) pair is unique; attaching the same URL twice returns (false, nil).
func (s *documentStorage) AttachURLAlias(ctx context.Context, alias *models.URLAlias) (bool, error) {
	if alias.JobID == "" || alias.URL == "" || alias.DocID == "" {
		return false, fmt.Errorf("job ID, url and doc ID are required")
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now().UTC()
	}

	key := models.AliasKey(alias.JobID, alias.URL)
	if err := s.db.Store().Insert(key, alias); err != nil {
		if err == badgerhold.ErrKeyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to attach alias: %w", err)
	}
	return true, nil
}

// ListAliases returns the aliases attached to one document, oldest first.
func (s *documentStorage) ListAliases(ctx context.Context, jobID, docID string) ([]*models.URLAlias, error) {
	var aliases []*models.URLAlias
	query := badgerhold.Where("JobID").Eq(jobID).And("DocID").Eq(docID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&aliases, query); err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	return aliases, nil
}

// ListJobAliases returns every alias recorded for a job, oldest first.
func (s *documentStorage) ListJobAliases(ctx context.Context, jobID string) ([]*models.URLAlias, error) {
	var aliases []*models.URLAlias
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&aliases, query); err != nil {
		return nil, fmt.Errorf("failed to list job aliases: %w", err)
	}
	return aliases, nil
}

// DeleteJobDocuments removes a job's documents and their aliases.
func (s *documentStorage) DeleteJobDocuments(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.Document{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.URLAlias{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete aliases: %w", err)
	}
	return nil
}
