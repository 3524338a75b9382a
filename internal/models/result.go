package models

import "time"

// SkuType distinguishes known-good test SKUs from known-absent fakes.
type SkuType string

const (
	SkuTypeTest SkuType = "test"
	SkuTypeFake SkuType = "fake"
)

// SkuOutcome is what the workflow produced for one SKU on one site.
type SkuOutcome string

const (
	OutcomeSuccess   SkuOutcome = "success"
	OutcomeNoResults SkuOutcome = "no_results"
	OutcomeNotFound  SkuOutcome = "not_found"
	OutcomeError     SkuOutcome = "error"
)

// SkuResult records the outcome of scraping one SKU, used primarily in
// test mode to validate scraper health.
type SkuResult struct {
	SKU       string                 `json:"sku"`
	Type      SkuType                `json:"sku_type"`
	Outcome   SkuOutcome             `json:"outcome"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Selectors []SelectorStatus       `json:"selectors,omitempty"`
}

// SelectorStatus records whether a configured selector matched during a
// test run.
type SelectorStatus struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

// IsPassing applies the central pass law: a test SKU must find data, a
// fake SKU must be correctly detected as having no results. Every other
// combination is a failing test.
func (r SkuResult) IsPassing() bool {
	if r.Type == SkuTypeFake {
		return r.Outcome == OutcomeNoResults
	}
	if r.Type == SkuTypeTest {
		return r.Outcome == OutcomeSuccess
	}
	return false
}

// HealthStatus summarizes a scraper's fitness from its test results.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthBroken   HealthStatus = "broken"
	HealthUnknown  HealthStatus = "unknown"
)

// SiteTestResult is the per-scraper outcome of a test-mode run, written
// back to the scraper store.
type SiteTestResult struct {
	Site       string       `json:"site" badgerhold:"key"`
	Health     HealthStatus `json:"health"`
	Results    []SkuResult  `json:"results"`
	TestedAt   time.Time    `json:"tested_at"`
	DurationMS int64        `json:"duration_ms"`
}

// CalculateHealth derives health from test results. Fake SKUs guard the
// no-results detection: when configured, they must all pass for the
// scraper to be healthy.
func CalculateHealth(results []SkuResult) HealthStatus {
	if len(results) == 0 {
		return HealthUnknown
	}
	var testTotal, testPass, fakeTotal, fakePass int
	for _, r := range results {
		switch r.Type {
		case SkuTypeFake:
			fakeTotal++
			if r.IsPassing() {
				fakePass++
			}
		default:
			testTotal++
			if r.IsPassing() {
				testPass++
			}
		}
	}
	totalPass := testPass + fakePass
	if totalPass == 0 {
		return HealthBroken
	}
	testHealthy := testTotal > 0 && testPass == testTotal
	fakeHealthy := fakeTotal == 0 || fakePass == fakeTotal
	if testHealthy && fakeHealthy {
		return HealthHealthy
	}
	return HealthDegraded
}
