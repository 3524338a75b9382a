package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

const (
	maxStatusLogs   = 50
	maxStatusErrors = 100
)

// WorkerStatus is one worker's live position, keyed by worker id in
// the status snapshot.
type WorkerStatus struct {
	Site       string `json:"site"`
	CurrentSKU string `json:"current_sku,omitempty"`
	Processed  int    `json:"processed"`
}

// StatusSnapshot is the GET /api/status payload.
type StatusSnapshot struct {
	IsRunning      bool                    `json:"is_running"`
	JobID          string                  `json:"job_id,omitempty"`
	Progress       float64                 `json:"progress"`
	Logs           []string                `json:"logs"`
	Errors         []string                `json:"errors"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	ActiveScrapers []string                `json:"active_scrapers"`
	TotalSKUs      int                     `json:"total_skus"`
	CompletedSKUs  int                     `json:"completed_skus"`
	ETASeconds     *int                    `json:"eta_seconds,omitempty"`
	Workers        map[string]WorkerStatus `json:"workers"`
	TestMode       bool                    `json:"test_mode"`
}

// StatusTracker is the single live-status view of the runner, read by
// the HTTP surface while a job runs. Logs are a 50-entry ring; errors
// are capped so a pathological site cannot grow the buffer unbounded.
type StatusTracker struct {
	mu             sync.Mutex
	isRunning      bool
	jobID          string
	testMode       bool
	startedAt      time.Time
	totalSKUs      int
	completed      int
	logs           []string
	errors         []string
	activeScrapers []string
	workers        map[string]WorkerStatus

	now func() time.Time
}

// NewStatusTracker creates an idle tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		workers: make(map[string]WorkerStatus),
		now:     time.Now,
	}
}

// StartJob resets the tracker for a new run. Returns false when a job
// is already running, leaving the tracker untouched.
func (t *StatusTracker) StartJob(job models.Job, totalSKUs int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isRunning {
		return false
	}
	t.isRunning = true
	t.jobID = job.ID
	t.testMode = job.TestMode
	t.startedAt = t.now()
	t.totalSKUs = totalSKUs
	t.completed = 0
	t.logs = nil
	t.errors = nil
	t.activeScrapers = append([]string(nil), job.Sites...)
	t.workers = make(map[string]WorkerStatus)
	return true
}

// FinishJob marks the run complete. The last snapshot (progress,
// logs, errors) stays readable until the next StartJob.
func (t *StatusTracker) FinishJob() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isRunning = false
	t.activeScrapers = nil
	t.workers = make(map[string]WorkerStatus)
}

// IsRunning reports whether a job is active.
func (t *StatusTracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunning
}

// JobID returns the current (or last) job id.
func (t *StatusTracker) JobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// Log appends a timestamped line to the ring buffer.
func (t *StatusTracker) Log(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := t.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	t.logs = append(t.logs, line)
	if len(t.logs) > maxStatusLogs {
		t.logs = t.logs[len(t.logs)-maxStatusLogs:]
	}
}

// Error records a job-level error. Past the cap, errors are dropped
// with a final marker line.
func (t *StatusTracker) Error(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errors) >= maxStatusErrors {
		if t.errors[len(t.errors)-1] != "error buffer full, further errors dropped" {
			t.errors = append(t.errors, "error buffer full, further errors dropped")
		}
		return
	}
	t.errors = append(t.errors, msg)
}

// SetWorker updates a worker's live position.
func (t *StatusTracker) SetWorker(id string, status WorkerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[id] = status
}

// SiteDone removes a finished site from the active list.
func (t *StatusTracker) SiteDone(site string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.activeScrapers {
		if s == site {
			t.activeScrapers = append(t.activeScrapers[:i], t.activeScrapers[i+1:]...)
			return
		}
	}
}

// CompleteSKU bumps the completed counter and returns (completed,
// total, percent) for the progress event.
func (t *StatusTracker) CompleteSKU() (int, int, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	pct := 0.0
	if t.totalSKUs > 0 {
		pct = float64(t.completed) / float64(t.totalSKUs) * 100
	}
	return t.completed, t.totalSKUs, pct
}

// Snapshot returns a copy of the current state for the status endpoint.
func (t *StatusTracker) Snapshot() StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := StatusSnapshot{
		IsRunning:      t.isRunning,
		JobID:          t.jobID,
		TestMode:       t.testMode,
		Logs:           append([]string(nil), t.logs...),
		Errors:         append([]string(nil), t.errors...),
		ActiveScrapers: append([]string(nil), t.activeScrapers...),
		TotalSKUs:      t.totalSKUs,
		CompletedSKUs:  t.completed,
		Workers:        make(map[string]WorkerStatus, len(t.workers)),
	}
	for id, w := range t.workers {
		snap.Workers[id] = w
	}
	if snap.Logs == nil {
		snap.Logs = []string{}
	}
	if snap.Errors == nil {
		snap.Errors = []string{}
	}
	if snap.ActiveScrapers == nil {
		snap.ActiveScrapers = []string{}
	}
	if t.totalSKUs > 0 {
		snap.Progress = float64(t.completed) / float64(t.totalSKUs) * 100
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		snap.StartedAt = &started
	}
	if t.isRunning && t.completed > 0 && t.totalSKUs > t.completed {
		elapsed := t.now().Sub(t.startedAt).Seconds()
		eta := int(elapsed / float64(t.completed) * float64(t.totalSKUs-t.completed))
		snap.ETASeconds = &eta
	}
	return snap
}
