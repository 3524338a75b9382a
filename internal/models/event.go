package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/carpo/internal/common"
)

// EventType identifies a structured engine event. The set is closed;
// emitting an unknown type is a programming error.
type EventType string

const (
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	EventScraperStarted        EventType = "scraper.started"
	EventScraperCompleted      EventType = "scraper.completed"
	EventScraperFailed         EventType = "scraper.failed"
	EventScraperBrowserInit    EventType = "scraper.browser_init"
	EventScraperBrowserRestart EventType = "scraper.browser_restart"

	EventSkuProcessing EventType = "sku.processing"
	EventSkuSuccess    EventType = "sku.success"
	EventSkuNotFound   EventType = "sku.not_found"
	EventSkuFailed     EventType = "sku.failed"
	EventSkuNoResults  EventType = "sku.no_results"

	EventProgressUpdate EventType = "progress.update"
	EventProgressWorker EventType = "progress.worker"

	EventSelectorFound   EventType = "selector.found"
	EventSelectorMissing EventType = "selector.missing"

	EventDataSynced     EventType = "data.synced"
	EventDataSyncFailed EventType = "data.sync_failed"

	EventSystemInfo    EventType = "system.info"
	EventSystemWarning EventType = "system.warning"
	EventSystemError   EventType = "system.error"

	EventLoginSelectorStatus EventType = "login.selector_status"
)

// AllEventTypes lists every valid event type in declaration order.
var AllEventTypes = []EventType{
	EventJobStarted, EventJobCompleted, EventJobFailed, EventJobCancelled,
	EventScraperStarted, EventScraperCompleted, EventScraperFailed,
	EventScraperBrowserInit, EventScraperBrowserRestart,
	EventSkuProcessing, EventSkuSuccess, EventSkuNotFound, EventSkuFailed,
	EventSkuNoResults,
	EventProgressUpdate, EventProgressWorker,
	EventSelectorFound, EventSelectorMissing,
	EventDataSynced, EventDataSyncFailed,
	EventSystemInfo, EventSystemWarning, EventSystemError,
	EventLoginSelectorStatus,
}

// Category returns the prefix before the first dot ("job", "sku", ...).
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// IsValid reports whether t belongs to the closed event-type set.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventCategories groups the closed type set by category prefix.
func EventCategories() map[string][]EventType {
	out := make(map[string][]EventType)
	for _, t := range AllEventTypes {
		c := t.Category()
		out[c] = append(out[c], t)
	}
	return out
}

// Severity levels for events.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an immutable structured engine event. Fields are never
// mutated after emission; consumers receive copies.
type Event struct {
	Type      EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	JobID     string                 `json:"job_id,omitempty"`
	EventID   string                 `json:"event_id"`
	Severity  Severity               `json:"severity"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh short id and current timestamp.
func NewEvent(eventType EventType, jobID string, severity Severity, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		JobID:     jobID,
		EventID:   common.NewEventID(),
		Severity:  severity,
		Data:      data,
	}
}

// ToMap renders the wire envelope with an ISO-8601 timestamp.
func (e Event) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_type": string(e.Type),
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"job_id":     e.JobID,
		"event_id":   e.EventID,
		"severity":   string(e.Severity),
		"data":       e.Data,
	}
}

// EventFromMap parses a wire envelope back into an Event.
func EventFromMap(m map[string]interface{}) (Event, error) {
	var e Event
	t, _ := m["event_type"].(string)
	if t == "" {
		return e, fmt.Errorf("event envelope missing event_type")
	}
	e.Type = EventType(t)
	if ts, ok := m["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("invalid event timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}
	e.JobID, _ = m["job_id"].(string)
	e.EventID, _ = m["event_id"].(string)
	if sev, ok := m["severity"].(string); ok {
		e.Severity = Severity(sev)
	}
	if data, ok := m["data"].(map[string]interface{}); ok {
		e.Data = data
	} else {
		e.Data = map[string]interface{}{}
	}
	return e, nil
}
