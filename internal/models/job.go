package models

import (
	"time"
)

// ScrapeRequest is the POST /api/scrape payload.
type ScrapeRequest struct {
	SKUs       []string       `json:"skus"`
	Scrapers   []string       `json:"scrapers"`
	MaxWorkers int            `json:"max_workers,omitempty"`
	PerSite    map[string]int `json:"per_site_workers,omitempty"`
	TestMode   bool           `json:"test_mode,omitempty"`
	DebugMode  bool           `json:"debug_mode,omitempty"`
}

// Job is one submitted scrape run. Created on submit, terminal on
// completion or cancellation.
type Job struct {
	ID         string         `json:"job_id"`
	SKUs       []string       `json:"skus"`
	Sites      []string       `json:"sites"`
	MaxWorkers int            `json:"max_workers"`
	PerSite    map[string]int `json:"per_site_workers,omitempty"`
	TestMode   bool           `json:"test_mode"`
	DebugMode  bool           `json:"debug_mode"`
	StartedAt  time.Time      `json:"started_at"`
}

// NewJobID builds a timestamp-based job identifier.
func NewJobID() string {
	return time.Now().Format("20060102_150405")
}

// JobSummary aggregates per-site counters for the job lifecycle events.
type JobSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	NoResults  int `json:"no_results"`
	NotFound   int `json:"not_found"`
	Failed     int `json:"failed"`
}

// Processed returns the number of SKUs that reached a terminal outcome.
func (s JobSummary) Processed() int {
	return s.Successful + s.NoResults + s.NotFound + s.Failed
}
