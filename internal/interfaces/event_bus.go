package interfaces

import (
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

// EventHandler receives a copy of each emitted event. Handlers must not
// mutate the event; a panicking handler is logged and skipped.
type EventHandler func(event models.Event)

// EventFilter narrows Query results. Zero values match everything.
type EventFilter struct {
	JobID string
	Types []models.EventType
	Since time.Time
	Limit int
}

// EventBus is the typed, buffered fan-out bus at the heart of the
// engine's observability.
type EventBus interface {
	// Subscribe registers a handler and returns a subscription id.
	Subscribe(handler EventHandler) string

	// Unsubscribe removes a previously registered handler.
	Unsubscribe(id string)

	// Emit delivers an event to all subscribers in emit order and
	// records it in the global and per-job buffers.
	Emit(event models.Event)

	// Query returns buffered events matching the filter, oldest first.
	Query(filter EventFilter) []models.Event

	// Clear drops the buffered events for one job.
	Clear(jobID string)

	// Close flushes persistence and drops all subscribers.
	Close() error
}
