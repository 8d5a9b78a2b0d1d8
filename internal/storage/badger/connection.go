package badger

import (
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/skrapp/internal/common"
)

// maxTxRetries bounds retries when Badger's optimistic concurrency control
// rejects a commit under contention.
const maxTxRetries = 5

// BadgerDB wraps a badgerhold store backed by an on-disk Badger database.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewBadgerDB opens (or creates) the Badger database at the configured path.
func NewBadgerDB(cfg *common.BadgerConfig, logger arbor.ILogger) (*BadgerDB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}

	if cfg.ResetOnStartup {
		logger.Warn().Str("path", cfg.Path).Msg("Resetting badger database on startup")
		if err := os.RemoveAll(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to reset badger database: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", cfg.Path).Msg("Badger database opened")

	return &BadgerDB{
		store:  store,
		logger: logger,
	}, nil
}

// Store returns the underlying badgerhold store.
func (db *BadgerDB) Store() *badgerhold.Store {
	return db.store
}

// Update runs fn in a read-write transaction, retrying on commit conflicts.
// Errors from fn other than badgerdb.ErrConflict are returned unchanged so
// sentinel errors survive for the caller.
func (db *BadgerDB) Update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		err = db.store.Badger().Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxRetries, err)
}

// Close closes the underlying database.
func (db *BadgerDB) Close() error {
	if db.store == nil {
		return nil
	}
	if err := db.store.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	return nil
}
