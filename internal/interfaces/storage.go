package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/carpo/internal/models"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ScraperStorage persists scraper definitions keyed by name.
type ScraperStorage interface {
	Get(ctx context.Context, name string) (*models.ScraperDefinition, error)
	List(ctx context.Context, includeDisabled bool) ([]*models.ScraperDefinition, error)
	Save(ctx context.Context, def *models.ScraperDefinition) error
	Delete(ctx context.Context, name string) error
	UpdateTestResult(ctx context.Context, name string, result *models.SiteTestResult) error
	UpdateHealth(ctx context.Context, name string, health models.HealthStatus) error
}

// StatusStorage persists per-(sku, site) scrape progress rows.
type StatusStorage interface {
	RecordScrapeStatus(ctx context.Context, sku, site string, status models.ScrapeStatus, errorMessage string) error
	GetScrapeStatus(ctx context.Context, sku, site string) (*models.ScrapeStatusRecord, error)
	ListBySite(ctx context.Context, site string) ([]*models.ScrapeStatusRecord, error)
}

// ProductStorage persists scraped product records with upsert-merge
// semantics per (sku, site).
type ProductStorage interface {
	UpdateProductSource(ctx context.Context, sku, site string, record models.ProductRecord) error
	GetProductSources(ctx context.Context, sku string) (map[string]models.ProductRecord, error)
}

// StorageManager aggregates the per-entity storages over one database.
type StorageManager interface {
	ScraperStorage() ScraperStorage
	StatusStorage() StatusStorage
	ProductStorage() ProductStorage
	LoadScrapersFromFiles(ctx context.Context, dir string) error
	Close() error
}
