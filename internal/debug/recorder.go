package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/ternarybob/carpo/internal/workflow"
)

// Entry is one recorded debug capture, appended to the per-job log and
// served by the debug endpoints.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Site          string    `json:"site"`
	SKU           string    `json:"sku"`
	StepIndex     int       `json:"step_index"`
	Action        string    `json:"action"`
	Error         string    `json:"error,omitempty"`
	URL           string    `json:"url,omitempty"`
	HasPageSource bool      `json:"has_page_source"`
	HasScreenshot bool      `json:"has_screenshot"`
}

// Recorder files workflow debug artifacts on disk, one directory per
// job. It learns the active job id by watching job.started events, so
// the runner's debug callback stays free of job plumbing.
type Recorder struct {
	dir    string
	logger arbor.ILogger
	now    func() time.Time

	mu    sync.Mutex
	jobID string
}

// NewRecorder creates a recorder rooted at dir.
func NewRecorder(dir string, logger arbor.ILogger) *Recorder {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Recorder{dir: dir, logger: logger, now: time.Now}
}

// Attach subscribes the recorder to the event bus so captures are
// filed under the running job.
func (r *Recorder) Attach(bus interfaces.EventBus) {
	bus.Subscribe(func(event models.Event) {
		switch event.Type {
		case models.EventJobStarted:
			r.mu.Lock()
			r.jobID = event.JobID
			r.mu.Unlock()
		}
	})
}

// Capture implements workflow.DebugFunc.
func (r *Recorder) Capture(ctx context.Context, info workflow.DebugInfo) {
	r.mu.Lock()
	jobID := r.jobID
	r.mu.Unlock()
	if jobID == "" {
		jobID = "adhoc"
	}

	entry := Entry{
		Timestamp: r.now(),
		Site:      info.Site,
		SKU:       info.SKU,
		StepIndex: info.StepIndex,
		Action:    info.Action,
		Error:     info.Error,
		URL:       info.URL,
	}

	skuDir := filepath.Join(r.dir, sanitize(jobID), sanitize(info.Site), sanitize(info.SKU))
	if info.PageHTML != "" || len(info.Screenshot) > 0 {
		if err := os.MkdirAll(skuDir, 0755); err != nil {
			r.logger.Warn().Err(err).Str("dir", skuDir).Msg("Failed to create debug directory")
			return
		}
	}

	base := fmt.Sprintf("step_%02d_%s", info.StepIndex, sanitize(info.Action))
	if info.PageHTML != "" {
		path := filepath.Join(skuDir, base+".html")
		if err := os.WriteFile(path, []byte(info.PageHTML), 0644); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to write page source")
		} else {
			entry.HasPageSource = true
		}
	}
	if len(info.Screenshot) > 0 {
		path := filepath.Join(skuDir, base+".png")
		if err := os.WriteFile(path, info.Screenshot, 0644); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to write screenshot")
		} else {
			entry.HasScreenshot = true
		}
	}

	r.appendEntry(jobID, entry)
}

func (r *Recorder) appendEntry(jobID string, entry Entry) {
	jobDir := filepath.Join(r.dir, sanitize(jobID))
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		r.logger.Warn().Err(err).Str("dir", jobDir).Msg("Failed to create debug directory")
		return
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(jobDir, "debug.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to open debug log")
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// Entries returns the recorded captures for a job, oldest first.
func (r *Recorder) Entries(jobID string) ([]Entry, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, sanitize(jobID), "debug.jsonl"))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read debug log for %s: %w", jobID, err)
	}

	entries := []Entry{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SessionSummary aggregates one job's captures per (site, sku).
type SessionSummary struct {
	JobID    string         `json:"job_id"`
	Captures int            `json:"captures"`
	Errors   int            `json:"errors"`
	BySite   map[string]int `json:"by_site"`
}

// Session summarizes a job's debug captures.
func (r *Recorder) Session(jobID string) (SessionSummary, error) {
	entries, err := r.Entries(jobID)
	if err != nil {
		return SessionSummary{}, err
	}
	summary := SessionSummary{JobID: jobID, BySite: map[string]int{}}
	for _, e := range entries {
		summary.Captures++
		if e.Error != "" {
			summary.Errors++
		}
		if e.Site != "" {
			summary.BySite[e.Site]++
		}
	}
	return summary, nil
}

// PageSource returns the stored page HTML for one capture.
func (r *Recorder) PageSource(jobID, site, sku string, step int) ([]byte, error) {
	return r.readArtifact(jobID, site, sku, step, ".html")
}

// Screenshot returns the stored screenshot for one capture.
func (r *Recorder) Screenshot(jobID, site, sku string, step int) ([]byte, error) {
	return r.readArtifact(jobID, site, sku, step, ".png")
}

func (r *Recorder) readArtifact(jobID, site, sku string, step int, ext string) ([]byte, error) {
	dir := filepath.Join(r.dir, sanitize(jobID), sanitize(site), sanitize(sku))
	prefix := fmt.Sprintf("step_%02d_", step)

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, interfaces.ErrNotFound
	}
	for _, f := range files {
		if strings.HasPrefix(f.Name(), prefix) && strings.HasSuffix(f.Name(), ext) {
			return os.ReadFile(filepath.Join(dir, f.Name()))
		}
	}
	return nil, interfaces.ErrNotFound
}

// Snapshot is one stored artifact file.
type Snapshot struct {
	Site      string `json:"site"`
	SKU       string `json:"sku"`
	File      string `json:"file"`
	SizeBytes int64  `json:"size_bytes"`
}

// Snapshots lists every artifact file recorded for a job.
func (r *Recorder) Snapshots(jobID string) ([]Snapshot, error) {
	root := filepath.Join(r.dir, sanitize(jobID))
	snapshots := []Snapshot{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == "debug.jsonl" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snapshots = append(snapshots, Snapshot{
			Site:      parts[0],
			SKU:       parts[1],
			File:      parts[2],
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Site != snapshots[j].Site {
			return snapshots[i].Site < snapshots[j].Site
		}
		if snapshots[i].SKU != snapshots[j].SKU {
			return snapshots[i].SKU < snapshots[j].SKU
		}
		return snapshots[i].File < snapshots[j].File
	})
	return snapshots, nil
}

// sanitize strips path separators so request parameters cannot escape
// the debug directory.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}
