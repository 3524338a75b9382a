package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
)

// Manager aggregates the per-entity Badger storages over one database.
type Manager struct {
	db       *BadgerDB
	scrapers interfaces.ScraperStorage
	statuses interfaces.StatusStorage
	products interfaces.ProductStorage
	logger   arbor.ILogger
}

// NewManager opens the Badger database and wires the entity storages.
func NewManager(config *common.BadgerConfig, logger arbor.ILogger) (*Manager, error) {
	db, err := NewBadgerDB(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &Manager{
		db:       db,
		scrapers: NewScraperStorage(db, logger),
		statuses: NewStatusStorage(db, logger),
		products: NewProductStorage(db, logger),
		logger:   logger,
	}, nil
}

func (m *Manager) ScraperStorage() interfaces.ScraperStorage { return m.scrapers }
func (m *Manager) StatusStorage() interfaces.StatusStorage   { return m.statuses }
func (m *Manager) ProductStorage() interfaces.ProductStorage { return m.products }

// LoadScrapersFromFiles loads YAML scraper definitions into the store.
func (m *Manager) LoadScrapersFromFiles(ctx context.Context, dir string) error {
	return LoadScrapersFromFiles(ctx, m.scrapers, dir, m.logger)
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}
