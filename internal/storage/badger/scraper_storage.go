package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ScraperStorage implements interfaces.ScraperStorage over Badger,
// keyed by scraper name.
type ScraperStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScraperStorage creates a new ScraperStorage instance.
func NewScraperStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScraperStorage {
	return &ScraperStorage{db: db, logger: logger}
}

func (s *ScraperStorage) Get(ctx context.Context, name string) (*models.ScraperDefinition, error) {
	var def models.ScraperDefinition
	if err := s.db.Store().Get(name, &def); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scraper %s: %w", name, err)
	}
	return &def, nil
}

func (s *ScraperStorage) List(ctx context.Context, includeDisabled bool) ([]*models.ScraperDefinition, error) {
	query := badgerhold.Where("Name").Ne("").SortBy("Name")
	if !includeDisabled {
		query = badgerhold.Where("Name").Ne("").And("Disabled").Eq(false).SortBy("Name")
	}

	var defs []models.ScraperDefinition
	if err := s.db.Store().Find(&defs, query); err != nil {
		return nil, fmt.Errorf("failed to list scrapers: %w", err)
	}

	result := make([]*models.ScraperDefinition, len(defs))
	for i := range defs {
		result[i] = &defs[i]
	}
	return result, nil
}

func (s *ScraperStorage) Save(ctx context.Context, def *models.ScraperDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("scraper name is required")
	}
	if err := s.db.Store().Upsert(def.Name, def); err != nil {
		return fmt.Errorf("failed to save scraper %s: %w", def.Name, err)
	}
	return nil
}

func (s *ScraperStorage) Delete(ctx context.Context, name string) error {
	if err := s.db.Store().Delete(name, &models.ScraperDefinition{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete scraper %s: %w", name, err)
	}
	return nil
}

// UpdateTestResult writes a test-mode outcome back onto the stored
// definition without touching the rest of the record.
func (s *ScraperStorage) UpdateTestResult(ctx context.Context, name string, result *models.SiteTestResult) error {
	def, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	def.LastTestResult = result
	if result != nil {
		def.UpdatedAt = result.TestedAt
	}
	return s.Save(ctx, def)
}

// UpdateHealth sets the derived health status on the stored definition.
func (s *ScraperStorage) UpdateHealth(ctx context.Context, name string, health models.HealthStatus) error {
	def, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	def.Status = health
	return s.Save(ctx, def)
}
