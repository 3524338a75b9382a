package retry

import (
	"sync"

	"github.com/ternarybob/carpo/internal/models"
)

const historyWindow = 10

type historyKey struct {
	site string
	kind models.FailureKind
}

// History keeps a rolling window of outcomes per (site, failure kind)
// and derives an adaptive delay factor: sites that keep failing the
// same way back off harder.
type History struct {
	mu      sync.Mutex
	windows map[historyKey][]bool // true = failure
}

// NewHistory creates an empty retry history.
func NewHistory() *History {
	return &History{windows: make(map[historyKey][]bool)}
}

func (h *History) record(site string, kind models.FailureKind, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := historyKey{site: site, kind: kind}
	w := append(h.windows[key], failed)
	if len(w) > historyWindow {
		w = w[len(w)-historyWindow:]
	}
	h.windows[key] = w
}

// RecordFailure appends a failed outcome for (site, kind).
func (h *History) RecordFailure(site string, kind models.FailureKind) {
	h.record(site, kind, true)
}

// RecordSuccess appends a successful outcome for (site, kind).
func (h *History) RecordSuccess(site string, kind models.FailureKind) {
	h.record(site, kind, false)
}

// Factor returns the adaptive delay multiplier in [1.0, 3.0]: 1.0 with
// no history, approaching 3.0 when the window is all failures.
func (h *History) Factor(site string, kind models.FailureKind) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.windows[historyKey{site: site, kind: kind}]
	if len(w) == 0 {
		return 1.0
	}
	failures := 0
	for _, failed := range w {
		if failed {
			failures++
		}
	}
	rate := float64(failures) / float64(len(w))
	return 1.0 + 2.0*rate
}
