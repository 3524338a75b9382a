package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/interfaces"
)

// ScrapersHandler serves the scraper configuration endpoints.
type ScrapersHandler struct {
	storage interfaces.ScraperStorage
	logger  arbor.ILogger
}

func NewScrapersHandler(storage interfaces.ScraperStorage, logger arbor.ILogger) *ScrapersHandler {
	return &ScrapersHandler{storage: storage, logger: logger}
}

// ListScrapersHandler handles GET /api/scrapers. Disabled scrapers are
// included; callers can filter on the disabled flag.
func (h *ScrapersHandler) ListScrapersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	defs, err := h.storage.List(r.Context(), true)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	scrapers := make([]map[string]interface{}, len(defs))
	for i, def := range defs {
		entry := map[string]interface{}{
			"name":          def.Name,
			"requires_auth": def.RequiresAuth,
			"disabled":      def.Disabled,
			"max_workers":   def.MaxWorkers,
			"selectors":     len(def.Selectors),
			"steps":         len(def.Workflow),
			"test_skus":     len(def.TestSKUs),
			"fake_skus":     len(def.FakeSKUs),
		}
		if def.Status != "" {
			entry["status"] = string(def.Status)
		}
		if def.LastTestResult != nil {
			entry["last_tested_at"] = def.LastTestResult.TestedAt
		}
		scrapers[i] = entry
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scrapers": scrapers,
		"total":    len(scrapers),
	})
}

// GetScraperHandler handles GET /api/scrapers/{name}, returning the
// full definition.
func (h *ScrapersHandler) GetScraperHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/scrapers/")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "scraper name is required")
		return
	}

	def, err := h.storage.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "scraper not found: "+name)
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, def)
}
