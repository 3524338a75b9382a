package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/ternarybob/carpo/internal/runner"
)

// ScrapeHandler exposes job control: submit, status, stop.
type ScrapeHandler struct {
	runner *runner.Runner
	logger arbor.ILogger
}

func NewScrapeHandler(r *runner.Runner, logger arbor.ILogger) *ScrapeHandler {
	return &ScrapeHandler{runner: r, logger: logger}
}

// StartScrapeHandler handles POST /api/scrape. Returns 409 while a job
// is running; otherwise the job runs in the background and the
// response carries its id.
func (h *ScrapeHandler) StartScrapeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Scrapers) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one scraper is required")
		return
	}
	if len(req.SKUs) == 0 && !req.TestMode {
		WriteError(w, http.StatusBadRequest, "skus are required unless test_mode is set")
		return
	}

	if h.runner.Status().IsRunning() {
		WriteJSON(w, http.StatusConflict, map[string]string{
			"status":  "rejected",
			"job_id":  h.runner.Status().JobID(),
			"message": "a scrape job is already running",
		})
		return
	}

	job := models.Job{
		ID:         models.NewJobID(),
		SKUs:       req.SKUs,
		Sites:      req.Scrapers,
		MaxWorkers: req.MaxWorkers,
		PerSite:    req.PerSite,
		TestMode:   req.TestMode,
		DebugMode:  req.DebugMode,
		StartedAt:  time.Now(),
	}

	// Detached from the request context: the job outlives the HTTP
	// exchange and is cancelled via POST /api/stop.
	common.SafeGo(h.logger, "scrapeJob", func() {
		summary, err := h.runner.Run(context.Background(), job)
		if err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Scrape job finished with error")
			return
		}
		h.logger.Info().
			Str("job_id", job.ID).
			Int("total", summary.Total).
			Int("successful", summary.Successful).
			Int("failed", summary.Failed).
			Msg("Scrape job finished")
	})

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "started",
		"job_id":  job.ID,
		"message": fmt.Sprintf("scraping %d skus across %d sites", len(req.SKUs), len(req.Scrapers)),
	})
}

// StatusHandler handles GET /api/status.
func (h *ScrapeHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.runner.Status().Snapshot())
}

// StopHandler handles POST /api/stop.
func (h *ScrapeHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if h.runner.Stop() {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
}
