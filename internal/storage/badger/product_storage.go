package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ProductStorage implements interfaces.ProductStorage over Badger with
// upsert-merge semantics: a new scrape overlays non-empty fields onto
// the existing record instead of replacing it.
type ProductStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewProductStorage creates a new ProductStorage instance.
func NewProductStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProductStorage {
	return &ProductStorage{db: db, logger: logger, now: time.Now}
}

func (s *ProductStorage) UpdateProductSource(ctx context.Context, sku, site string, record models.ProductRecord) error {
	if sku == "" || site == "" {
		return fmt.Errorf("sku and site are required")
	}

	key := models.ProductSourceKey(sku, site)

	var existing models.ProductSource
	err := s.db.Store().Get(key, &existing)
	switch {
	case err == badgerhold.ErrNotFound:
		existing = models.ProductSource{Key: key, SKU: sku, Site: site}
	case err != nil:
		return fmt.Errorf("failed to read product source %s: %w", key, err)
	}

	existing.Record = existing.Record.Merge(record)
	existing.UpdatedAt = s.now()

	if err := s.db.Store().Upsert(key, &existing); err != nil {
		return fmt.Errorf("failed to save product source %s: %w", key, err)
	}
	return nil
}

func (s *ProductStorage) GetProductSources(ctx context.Context, sku string) (map[string]models.ProductRecord, error) {
	var rows []models.ProductSource
	if err := s.db.Store().Find(&rows, badgerhold.Where("SKU").Eq(sku)); err != nil {
		return nil, fmt.Errorf("failed to list product sources for %s: %w", sku, err)
	}
	result := make(map[string]models.ProductRecord, len(rows))
	for _, row := range rows {
		result[row.Site] = row.Record
	}
	return result, nil
}
