package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// Entry is one collected result held in memory for session stats.
type Entry struct {
	SKU          string               `json:"sku"`
	Site         string               `json:"site"`
	Timestamp    time.Time            `json:"timestamp"`
	Record       models.ProductRecord `json:"data"`
	ImageQuality int                  `json:"image_quality"`
}

// Collector normalizes and persists per-(sku, site) scrape outputs.
// The preferred sink is the product store; on store failure each result
// is appended to a JSON-lines session file instead. Add never fails:
// persistence errors are logged and the session continues.
type Collector struct {
	mu        sync.Mutex
	sessionID string
	results   map[string]map[string]Entry // site -> sku -> entry
	store     interfaces.ProductStorage
	emitter   *events.Emitter
	outputDir string
	testMode  bool
	storeDown bool
	logger    arbor.ILogger
}

// New creates a collector for one scrape session. store may be nil, in
// which case all results go to the local session file. emitter may be
// nil; store syncs then go unannounced. In test mode results are kept
// in memory only.
func New(store interfaces.ProductStorage, emitter *events.Emitter, outputDir string, testMode bool, logger arbor.ILogger) *Collector {
	if logger == nil {
		logger = common.GetLogger()
	}
	if outputDir == "" {
		outputDir = filepath.Join("data", "scraper_sessions")
	}
	return &Collector{
		sessionID: time.Now().Format("20060102_150405"),
		results:   make(map[string]map[string]Entry),
		store:     store,
		emitter:   emitter,
		outputDir: outputDir,
		testMode:  testMode,
		logger:    logger,
	}
}

// SessionID returns the session identifier used for local files.
func (c *Collector) SessionID() string { return c.sessionID }

// Add normalizes and stores one scraper result. Results with none of
// Name, Brand, Weight or ScrapedPrice are dropped as a no-op.
func (c *Collector) Add(ctx context.Context, sku, site string, data map[string]interface{}, imageQuality int) {
	record := normalizeRecord(data)
	c.AddRecord(ctx, sku, site, record, imageQuality)
}

// AddRecord stores an already-canonical record for (sku, site).
func (c *Collector) AddRecord(ctx context.Context, sku, site string, record models.ProductRecord, imageQuality int) {
	record.Weight = NormalizeWeight(record.Weight)
	record.Images = FilterImageURLs(record.Images)

	if !record.HasData() {
		c.logger.Debug().Str("sku", sku).Str("site", site).Msg("No data found, skipping result")
		return
	}

	entry := Entry{SKU: sku, Site: site, Timestamp: time.Now(), Record: record, ImageQuality: imageQuality}

	if !c.testMode {
		c.persist(ctx, entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results[site] == nil {
		c.results[site] = make(map[string]Entry)
	}
	c.results[site][sku] = entry
}

func (c *Collector) persist(ctx context.Context, entry Entry) {
	if c.store != nil {
		err := c.store.UpdateProductSource(ctx, entry.SKU, entry.Site, entry.Record)
		if err == nil {
			c.logger.Info().Str("sku", entry.SKU).Str("site", entry.Site).Msg("Synced result to store")
			if c.emitter != nil {
				c.emitter.DataSynced(entry.Site, entry.SKU)
			}
			return
		}
		c.logger.Error().Err(err).Str("sku", entry.SKU).Str("site", entry.Site).Msg("Store sync failed, falling back to session file")
		if c.emitter != nil {
			c.emitter.DataSyncFailed(entry.Site, entry.SKU, err.Error())
		}
		c.mu.Lock()
		c.storeDown = true
		c.mu.Unlock()
	}
	if err := c.appendLocal(entry); err != nil {
		c.logger.Error().Err(err).Str("sku", entry.SKU).Msg("Failed to write session file")
	}
}

// appendLocal writes one result as a JSON line to the session file.
func (c *Collector) appendLocal(entry Entry) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.outputDir, "session_"+c.sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(entry)
}

// Get returns this session's in-memory results for a SKU, keyed by site.
func (c *Collector) Get(sku string) map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry)
	for site, bySku := range c.results {
		if entry, ok := bySku[sku]; ok {
			out[site] = entry
		}
	}
	return out
}

// SaveSession finalizes the session. Results already synced to the
// store need no extra write; otherwise the in-memory results are
// dumped to a session summary file. Returns the storage location.
func (c *Collector) SaveSession(metadata map[string]interface{}) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.testMode {
		c.logger.Info().Msg("Test mode, skipping session save")
		return "TEST_MODE_NO_SAVE"
	}

	if c.store != nil && !c.storeDown {
		return "store://session/" + c.sessionID
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		c.logger.Error().Err(err).Msg("Failed to create session output dir")
		return ""
	}

	path := filepath.Join(c.outputDir, "scraper_results_"+c.sessionID+".json")
	payload := map[string]interface{}{
		"session_id": c.sessionID,
		"timestamp":  time.Now().Format(time.RFC3339),
		"metadata":   metadata,
		"results":    c.results,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal session results")
		return ""
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save session results")
		return ""
	}

	c.logger.Info().Str("path", path).Msg("Saved session results")
	return path
}

// Stats summarizes the session's collected results.
func (c *Collector) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	skuCounts := make(map[string]int)
	sites := make([]string, 0, len(c.results))
	for site, bySku := range c.results {
		sites = append(sites, site)
		total += len(bySku)
		for sku := range bySku {
			skuCounts[sku]++
		}
	}
	multiSite := 0
	for _, n := range skuCounts {
		if n > 1 {
			multiSite++
		}
	}

	storage := "memory_only"
	if c.store != nil && !c.storeDown {
		storage = "store"
	}

	return map[string]interface{}{
		"session_id":                   c.sessionID,
		"total_unique_skus":            len(skuCounts),
		"total_results":                total,
		"sites_used":                   sites,
		"skus_found_on_multiple_sites": multiSite,
		"storage":                      storage,
	}
}

// normalizeRecord maps raw extraction output to the canonical record.
// Some scraper configs name the image field "Image URLs" or
// "Image_URLs"; all aliases are accepted.
func normalizeRecord(data map[string]interface{}) models.ProductRecord {
	record := models.ProductRecord{
		Name:        asString(data["Name"]),
		Brand:       asString(data["Brand"]),
		Weight:      asString(data["Weight"]),
		Description: asString(data["Description"]),
		Category:    asString(data["Category"]),
		ProductType: asString(data["ProductType"]),
	}

	if price := asString(data["ScrapedPrice"]); price != "" {
		record.ScrapedPrice = price
	} else {
		record.ScrapedPrice = asString(data["Price"])
	}

	for _, key := range []string{"Images", "Image URLs", "Image_URLs"} {
		if imgs := asStrings(data[key]); len(imgs) > 0 {
			record.Images = imgs
			break
		}
	}
	return record
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asStrings(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
