package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/storage/badger"
	"github.com/ternarybob/skrapp/internal/storage/sqlite"
)

// NewStorageManager creates a new storage manager based on config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	switch config.Storage.Type {
	case "badger", "":
		return badger.NewManager(&config.Storage.Badger, logger)
	case "sqlite":
		return sqlite.NewManager(&config.Storage.SQLite, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: badger, sqlite)", config.Storage.Type)
	}
}
