package events

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// Options sizes the bus buffers and enables JSONL persistence.
type Options struct {
	GlobalBuffer int    // ring of most recent events across all jobs
	JobBuffer    int    // per-job ring
	MaxJobs      int    // LRU cap on tracked jobs
	PersistPath  string // append-only JSONL file, empty disables
}

// DefaultOptions match the engine defaults.
func DefaultOptions() Options {
	return Options{GlobalBuffer: 1000, JobBuffer: 500, MaxJobs: 100}
}

type jobBuffer struct {
	jobID  string
	events []models.Event
}

// Bus is the process-wide event bus. One mutex guards the buffers and
// subscriber map; critical sections are short and emit never blocks
// one subscriber on another's failure.
type Bus struct {
	mu          sync.Mutex
	opts        Options
	global      []models.Event
	jobs        map[string]*list.Element // jobID -> *jobBuffer element
	jobOrder    *list.List               // LRU, front = most recent
	subscribers map[string]interfaces.EventHandler
	subOrder    []string
	persistFile *os.File
	persistDead bool
	logger      arbor.ILogger
}

// NewBus creates an event bus. A persist path that cannot be opened
// degrades to in-memory only with a warning.
func NewBus(opts Options, logger arbor.ILogger) *Bus {
	if logger == nil {
		logger = common.GetLogger()
	}
	if opts.GlobalBuffer <= 0 {
		opts.GlobalBuffer = 1000
	}
	if opts.JobBuffer <= 0 {
		opts.JobBuffer = 500
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 100
	}

	b := &Bus{
		opts:        opts,
		jobs:        make(map[string]*list.Element),
		jobOrder:    list.New(),
		subscribers: make(map[string]interfaces.EventHandler),
		logger:      logger,
	}

	if opts.PersistPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.PersistPath), 0755); err != nil {
			logger.Warn().Err(err).Str("path", opts.PersistPath).Msg("Event persistence disabled: cannot create directory")
			b.persistDead = true
		} else {
			f, err := os.OpenFile(opts.PersistPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Warn().Err(err).Str("path", opts.PersistPath).Msg("Event persistence disabled: cannot open file")
				b.persistDead = true
			} else {
				b.persistFile = f
				logger.Debug().Str("path", opts.PersistPath).Msg("Event persistence enabled")
			}
		}
	}

	return b
}

// Subscribe registers a handler, returning its subscription id.
func (b *Bus) Subscribe(handler interfaces.EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subscribers[id] = handler
	b.subOrder = append(b.subOrder, id)
	return id
}

// Unsubscribe removes a handler by subscription id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, id)
	for i, sid := range b.subOrder {
		if sid == id {
			b.subOrder = append(b.subOrder[:i], b.subOrder[i+1:]...)
			break
		}
	}
}

// Emit records the event and fans it out to subscribers in
// registration order. A panicking subscriber is logged and does not
// break the emit or later subscribers.
func (b *Bus) Emit(event models.Event) {
	b.mu.Lock()

	// Global ring
	b.global = append(b.global, event)
	if len(b.global) > b.opts.GlobalBuffer {
		b.global = b.global[len(b.global)-b.opts.GlobalBuffer:]
	}

	// Per-job ring with LRU eviction of old jobs
	if event.JobID != "" {
		elem, ok := b.jobs[event.JobID]
		if !ok {
			jb := &jobBuffer{jobID: event.JobID}
			elem = b.jobOrder.PushFront(jb)
			b.jobs[event.JobID] = elem
			for b.jobOrder.Len() > b.opts.MaxJobs {
				oldest := b.jobOrder.Back()
				evicted := oldest.Value.(*jobBuffer)
				b.jobOrder.Remove(oldest)
				delete(b.jobs, evicted.jobID)
			}
		} else {
			b.jobOrder.MoveToFront(elem)
		}
		jb := elem.Value.(*jobBuffer)
		jb.events = append(jb.events, event)
		if len(jb.events) > b.opts.JobBuffer {
			jb.events = jb.events[len(jb.events)-b.opts.JobBuffer:]
		}
	}

	// Snapshot handlers so delivery happens outside the lock but still
	// in emit order per caller goroutine.
	handlers := make([]interfaces.EventHandler, 0, len(b.subOrder))
	for _, id := range b.subOrder {
		if h, ok := b.subscribers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}

	b.persist(event)
}

func (b *Bus) deliver(h interfaces.EventHandler, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().
				Str("event_type", string(event.Type)).
				Str("event_id", event.EventID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Event subscriber panicked")
		}
	}()
	h(event)
}

func (b *Bus) persist(event models.Event) {
	b.mu.Lock()
	f := b.persistFile
	dead := b.persistDead
	b.mu.Unlock()
	if f == nil || dead {
		return
	}

	line, err := json.Marshal(event.ToMap())
	if err != nil {
		b.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("Failed to marshal event for persistence")
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		b.mu.Lock()
		b.persistDead = true
		b.mu.Unlock()
		b.logger.Warn().Err(err).Msg("Event persistence write failed, degrading to in-memory only")
	}
}

// Query returns buffered events matching the filter, oldest first.
func (b *Bus) Query(filter interfaces.EventFilter) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var source []models.Event
	if filter.JobID != "" {
		if elem, ok := b.jobs[filter.JobID]; ok {
			source = elem.Value.(*jobBuffer).events
		}
	} else {
		source = b.global
	}

	var typeSet map[models.EventType]bool
	if len(filter.Types) > 0 {
		typeSet = make(map[models.EventType]bool, len(filter.Types))
		for _, t := range filter.Types {
			typeSet[t] = true
		}
	}

	out := make([]models.Event, 0, len(source))
	for _, e := range source {
		if typeSet != nil && !typeSet[e.Type] {
			continue
		}
		if !filter.Since.IsZero() && !e.Timestamp.After(filter.Since) {
			continue
		}
		out = append(out, e)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Clear drops the buffered events for one job.
func (b *Bus) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.jobs[jobID]; ok {
		b.jobOrder.Remove(elem)
		delete(b.jobs, jobID)
	}
}

// Stats reports buffer occupancy, used by the status endpoint.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"global_events": len(b.global),
		"tracked_jobs":  b.jobOrder.Len(),
		"subscribers":   len(b.subscribers),
	}
}

// Close flushes the persistence file and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[string]interfaces.EventHandler)
	b.subOrder = nil
	if b.persistFile != nil {
		err := b.persistFile.Close()
		b.persistFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event persistence file: %w", err)
		}
	}
	return nil
}

// interface guard
var _ interfaces.EventBus = (*Bus)(nil)

// sinceOrZero is a small helper for handlers parsing ?since.
func SinceOrZero(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
