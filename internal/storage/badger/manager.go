package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
)

// Manager bundles every badger-backed store over one shared database.
type Manager struct {
	db              *BadgerDB
	jobStorage      interfaces.JobStorage
	frontierStorage interfaces.FrontierStorage
	documentStorage interfaces.DocumentStorage
	eventStorage    interfaces.EventStorage
	artifactStorage interfaces.ArtifactStorage
	logger          arbor.ILogger
}

// NewManager opens the badger database and wires up all stores.
func NewManager(cfg *common.BadgerConfig, logger arbor.ILogger) (*Manager, error) {
	db, err := NewBadgerDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize badger database: %w", err)
	}

	manager := &Manager{
		db:              db,
		jobStorage:      NewJobStorage(db, logger),
		frontierStorage: NewFrontierStorage(db, logger),
		documentStorage: NewDocumentStorage(db, logger),
		eventStorage:    NewEventStorage(db, logger),
		artifactStorage: NewArtifactStorage(db, logger),
		logger:          logger,
	}

	logger.Info().Str("path", cfg.Path).Msg("Badger storage manager initialized")
	return manager, nil
}

// JobStorage returns the job storage.
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

// FrontierStorage returns the frontier storage.
func (m *Manager) FrontierStorage() interfaces.FrontierStorage {
	return m.frontierStorage
}

// DocumentStorage returns the document storage.
func (m *Manager) DocumentStorage() interfaces.DocumentStorage {
	return m.documentStorage
}

// EventStorage returns the event storage.
func (m *Manager) EventStorage() interfaces.EventStorage {
	return m.eventStorage
}

// ArtifactStorage returns the artifact storage.
func (m *Manager) ArtifactStorage() interfaces.ArtifactStorage {
	return m.artifactStorage
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing badger storage manager")
	return m.db.Close()
}
