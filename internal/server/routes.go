package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws/events", s.app.WSHandler.HandleWebSocket)

	// Job control
	mux.HandleFunc("/api/scrape", s.app.ScrapeHandler.StartScrapeHandler) // POST - submit a job
	mux.HandleFunc("/api/status", s.app.ScrapeHandler.StatusHandler)      // GET - live job status
	mux.HandleFunc("/api/stop", s.app.ScrapeHandler.StopHandler)          // POST - cancel the running job

	// Events
	mux.HandleFunc("/api/events/types", s.app.EventsHandler.TypesHandler)
	mux.HandleFunc("/api/events", s.app.EventsHandler.ListEventsHandler)

	// Scraper configurations
	mux.HandleFunc("/api/scrapers", s.app.ScrapersHandler.ListScrapersHandler)
	mux.HandleFunc("/api/scrapers/", s.app.ScrapersHandler.GetScraperHandler) // GET /{name}

	// Debug artifacts
	mux.HandleFunc("/api/debug/session", s.app.DebugHandler.SessionHandler)
	mux.HandleFunc("/api/debug/page-source", s.app.DebugHandler.PageSourceHandler)
	mux.HandleFunc("/api/debug/screenshot", s.app.DebugHandler.ScreenshotHandler)
	mux.HandleFunc("/api/debug/logs", s.app.DebugHandler.LogsHandler)
	mux.HandleFunc("/api/debug/snapshots", s.app.DebugHandler.SnapshotsHandler)

	// System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// ShutdownHandler triggers a graceful process shutdown via the app's
// shutdown channel.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.app.Logger.Info().Msg("Shutdown requested via API")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"shutting_down"}`))

	s.app.RequestShutdown()
}
