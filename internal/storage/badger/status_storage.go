package badger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// StatusStorage implements interfaces.StatusStorage over Badger. Rows
// are keyed by (sku, site) so each pair holds exactly one status.
type StatusStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewStatusStorage creates a new StatusStorage instance.
func NewStatusStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StatusStorage {
	return &StatusStorage{db: db, logger: logger, now: time.Now}
}

func statusKey(sku, site string) string {
	return strings.ToLower(site) + "/" + sku
}

func (s *StatusStorage) RecordScrapeStatus(ctx context.Context, sku, site string, status models.ScrapeStatus, errorMessage string) error {
	if sku == "" || site == "" {
		return fmt.Errorf("sku and site are required")
	}
	row := models.ScrapeStatusRecord{
		Key:          statusKey(sku, site),
		SKU:          sku,
		Site:         site,
		Status:       status,
		ErrorMessage: errorMessage,
		UpdatedAt:    s.now(),
	}
	if err := s.db.Store().Upsert(row.Key, &row); err != nil {
		return fmt.Errorf("failed to record scrape status for %s/%s: %w", site, sku, err)
	}
	return nil
}

func (s *StatusStorage) GetScrapeStatus(ctx context.Context, sku, site string) (*models.ScrapeStatusRecord, error) {
	var row models.ScrapeStatusRecord
	if err := s.db.Store().Get(statusKey(sku, site), &row); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scrape status for %s/%s: %w", site, sku, err)
	}
	return &row, nil
}

func (s *StatusStorage) ListBySite(ctx context.Context, site string) ([]*models.ScrapeStatusRecord, error) {
	var rows []models.ScrapeStatusRecord
	query := badgerhold.Where("Site").Eq(site).SortBy("SKU")
	if err := s.db.Store().Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to list scrape statuses for %s: %w", site, err)
	}
	result := make([]*models.ScrapeStatusRecord, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}
