package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a scheduled (site, sku) task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskWaiting   TaskStatus = "waiting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// taskTransitions encodes the allowed forward edges of the task state
// machine. Terminal states have no successors.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskWaiting, TaskCancelled},
	TaskWaiting: {TaskRunning, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScheduledTask is one unit of scrape work: a single SKU on a single
// site. Owned by its site queue until dequeued, then by the worker
// until it reaches a terminal state.
type ScheduledTask struct {
	TaskID      string                 `json:"task_id"`
	Site        string                 `json:"site"`
	SKU         string                 `json:"sku"`
	Status      TaskStatus             `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   time.Time              `json:"started_at,omitzero"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewScheduledTask creates a queued task for (site, sku).
func NewScheduledTask(site, sku string) *ScheduledTask {
	return &ScheduledTask{
		TaskID:    fmt.Sprintf("%s:%s:%d", site, sku, time.Now().UnixNano()),
		Site:      site,
		SKU:       sku,
		Status:    TaskQueued,
		CreatedAt: time.Now(),
	}
}

// Transition moves the task to the next status, stamping timestamps.
// Illegal transitions return an error and leave the task unchanged.
func (t *ScheduledTask) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal task transition %s -> %s for %s", t.Status, to, t.TaskID)
	}
	t.Status = to
	switch to {
	case TaskRunning:
		t.StartedAt = time.Now()
	case TaskCompleted, TaskFailed, TaskCancelled:
		t.CompletedAt = time.Now()
	}
	return nil
}

// Duration returns the running time of a finished task, zero otherwise.
func (t *ScheduledTask) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
