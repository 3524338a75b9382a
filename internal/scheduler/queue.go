package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/carpo/internal/models"
)

// pollInterval bounds how long a blocked Dequeue waits before
// rechecking for cancellation, keeping shutdown responsive.
const pollInterval = 500 * time.Millisecond

// taskQueue is an unbounded FIFO of scheduled tasks for one site.
// Enqueue never blocks. Dequeue blocks cooperatively until a task
// arrives, the queue is sealed and drained, or ctx is done.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*models.ScheduledTask
	sealed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Enqueue appends a task in FIFO order.
func (q *taskQueue) Enqueue(task *models.ScheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// Seal marks the queue as complete: once drained, Dequeue returns
// false instead of waiting for more work.
func (q *taskQueue) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) pop() (*models.ScheduledTask, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		return task, true, q.sealed
	}
	return nil, false, q.sealed
}

// Dequeue returns the next task in FIFO order. It returns false when
// the queue is sealed and empty, or when ctx is cancelled.
func (q *taskQueue) Dequeue(ctx context.Context) (*models.ScheduledTask, bool) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		task, ok, sealed := q.pop()
		if ok {
			return task, true
		}
		if sealed {
			return nil, false
		}

		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
		}
	}
}

// DrainCancelled removes all remaining tasks, marking each cancelled.
// Used at shutdown so never-started tasks surface as cancelled rather
// than silently vanishing.
func (q *taskQueue) DrainCancelled() []*models.ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.tasks
	q.tasks = nil
	for _, task := range drained {
		_ = task.Transition(models.TaskCancelled)
	}
	return drained
}
