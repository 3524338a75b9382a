package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB wraps a badgerhold store and its configuration.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB opens (and optionally resets) the Badger database at the
// configured path.
func NewBadgerDB(config *common.BadgerConfig, logger arbor.ILogger) (*BadgerDB, error) {
	if config == nil {
		return nil, fmt.Errorf("badger config is required")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}

	if config.ResetOnStartup {
		logger.Info().Str("path", config.Path).Msg("Resetting Badger database on startup")
		if err := os.RemoveAll(config.Path); err != nil {
			return nil, fmt.Errorf("failed to reset badger database: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("Badger database opened")
	return &BadgerDB{store: store, logger: logger, config: config}, nil
}

// Store exposes the underlying badgerhold store.
func (db *BadgerDB) Store() *badgerhold.Store {
	return db.store
}

// Close closes the underlying database.
func (db *BadgerDB) Close() error {
	if db.store == nil {
		return nil
	}
	return db.store.Close()
}
