package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/debug"
	"github.com/ternarybob/carpo/internal/interfaces"
)

// DebugHandler serves debug artifacts recorded during scrape runs.
type DebugHandler struct {
	recorder *debug.Recorder
	logger   arbor.ILogger
}

func NewDebugHandler(recorder *debug.Recorder, logger arbor.ILogger) *DebugHandler {
	return &DebugHandler{recorder: recorder, logger: logger}
}

func (h *DebugHandler) requireJob(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id is required")
		return "", false
	}
	return jobID, true
}

// SessionHandler handles GET /api/debug/session?job_id.
func (h *DebugHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	jobID, ok := h.requireJob(w, r)
	if !ok {
		return
	}
	summary, err := h.recorder.Session(jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// LogsHandler handles GET /api/debug/logs?job_id.
func (h *DebugHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	jobID, ok := h.requireJob(w, r)
	if !ok {
		return
	}
	entries, err := h.recorder.Entries(jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// SnapshotsHandler handles GET /api/debug/snapshots?job_id.
func (h *DebugHandler) SnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	jobID, ok := h.requireJob(w, r)
	if !ok {
		return
	}
	snapshots, err := h.recorder.Snapshots(jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"total":     len(snapshots),
	})
}

// PageSourceHandler handles GET /api/debug/page-source?job_id&site&sku&step.
func (h *DebugHandler) PageSourceHandler(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "text/html; charset=utf-8", h.recorder.PageSource)
}

// ScreenshotHandler handles GET /api/debug/screenshot?job_id&site&sku&step.
func (h *DebugHandler) ScreenshotHandler(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "image/png", h.recorder.Screenshot)
}

func (h *DebugHandler) serveArtifact(w http.ResponseWriter, r *http.Request,
	contentType string, read func(jobID, site, sku string, step int) ([]byte, error)) {

	if !RequireMethod(w, r, "GET") {
		return
	}
	jobID, ok := h.requireJob(w, r)
	if !ok {
		return
	}
	site := r.URL.Query().Get("site")
	sku := r.URL.Query().Get("sku")
	if site == "" || sku == "" {
		WriteError(w, http.StatusBadRequest, "site and sku are required")
		return
	}
	step := QueryInt(r, "step", 0)

	data, err := read(jobID, site, sku, step)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "debug artifact not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
