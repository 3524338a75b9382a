package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadScrapersFromFiles loads scraper definitions from YAML files in
// the given directory into the scraper store. Invalid files are logged
// and skipped so one bad definition cannot block startup.
func LoadScrapersFromFiles(ctx context.Context, scrapers interfaces.ScraperStorage, dir string, logger arbor.ILogger) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Scraper definitions directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", dir).Msg("Loading scraper definitions from files")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read scraper definitions directory: %w", err)
	}

	validate := validator.New()
	loaded := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read scraper definition file")
			continue
		}

		var def models.ScraperDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse scraper definition YAML")
			continue
		}
		if def.Name == "" {
			// Default the scraper name to the file name.
			def.Name = entry.Name()[:len(entry.Name())-len(ext)]
		}

		if err := validate.Struct(&def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("scraper", def.Name).Msg("Scraper definition validation failed, skipping")
			continue
		}

		// Preserve health written back by earlier test runs; files only
		// carry the declarative configuration.
		if existing, err := scrapers.Get(ctx, def.Name); err == nil {
			def.LastTestResult = existing.LastTestResult
			def.Status = existing.Status
			def.UpdatedAt = existing.UpdatedAt
		}

		if err := scrapers.Save(ctx, &def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("scraper", def.Name).Msg("Failed to save scraper definition")
			continue
		}
		logger.Info().Str("file", entry.Name()).Str("scraper", def.Name).Msg("Scraper definition loaded")
		loaded++
	}

	logger.Info().Int("count", loaded).Msg("Scraper definitions loaded")
	return nil
}
