package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/skrapp/internal/models"
)

// Spool is the append-only pages.raw.jsonl writer. One record per fetch
// attempt, written unbuffered so a crash loses at most the record in
// flight. Safe for concurrent workers.
type Spool struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenSpool opens the spool for appending, creating the job output
// directory when needed. Reopening after a restart resumes the same file.
func OpenSpool(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool %s: %w", path, err)
	}
	return &Spool{file: file, path: path}, nil
}

// Append writes one record as a JSON line.
func (s *Spool) Append(rec *models.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("spool %s is closed", s.path)
	}
	return models.WritePageRecord(s.file, rec)
}

// Path returns the spool file location.
func (s *Spool) Path() string {
	return s.path
}

// Close syncs and closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}
