package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// EventsHandler serves the buffered event query endpoints.
type EventsHandler struct {
	bus    interfaces.EventBus
	logger arbor.ILogger
}

func NewEventsHandler(bus interfaces.EventBus, logger arbor.ILogger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

// ListEventsHandler handles GET /api/events with job_id, event_types,
// since and limit filters. The limit is clamped to 1..500.
func (h *EventsHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := QueryInt(r, "limit", defaultEventLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	filter := interfaces.EventFilter{
		JobID: r.URL.Query().Get("job_id"),
		Since: events.SinceOrZero(r.URL.Query().Get("since")),
	}
	if raw := r.URL.Query().Get("event_types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			eventType := models.EventType(t)
			if !eventType.IsValid() {
				WriteError(w, http.StatusBadRequest, "unknown event type: "+t)
				return
			}
			filter.Types = append(filter.Types, eventType)
		}
	}

	matched := h.bus.Query(filter)
	total := len(matched)
	hasMore := total > limit
	if hasMore {
		matched = matched[total-limit:]
	}

	wire := make([]map[string]interface{}, len(matched))
	for i, e := range matched {
		wire[i] = e.ToMap()
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events":   wire,
		"total":    total,
		"has_more": hasMore,
	})
}

// TypesHandler handles GET /api/events/types.
func (h *EventsHandler) TypesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	types := make([]string, len(models.AllEventTypes))
	for i, t := range models.AllEventTypes {
		types[i] = string(t)
	}
	categories := map[string][]string{}
	for category, members := range models.EventCategories() {
		for _, t := range members {
			categories[category] = append(categories[category], string(t))
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"event_types": types,
		"categories":  categories,
	})
}
