package scheduler

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/models"
)

// ScrapeFunc executes one (site, sku) scrape and returns the extracted
// fields.
type ScrapeFunc func(ctx context.Context, site, sku string) (map[string]interface{}, error)

// SiteConfig carries a site's concurrency limits.
type SiteConfig struct {
	RequiresLogin bool
	MaxWorkers    int
}

// EffectiveMaxWorkers resolves the per-site worker cap: login sites
// are serialized to a single worker, others are clamped to the global
// cap.
func (c SiteConfig) EffectiveMaxWorkers(globalMax int) int {
	if c.RequiresLogin {
		return 1
	}
	workers := c.MaxWorkers
	if workers <= 0 {
		workers = 2
	}
	if workers > globalMax {
		workers = globalMax
	}
	return workers
}

// SiteScheduler owns one site's FIFO queue and worker pool. Workers
// must hold both the global and the site semaphore to run a task;
// acquisition is always global first to avoid deadlock.
type SiteScheduler struct {
	site      string
	config    SiteConfig
	workers   int
	globalSem chan struct{}
	siteSem   chan struct{}
	queue     *taskQueue
	logger    arbor.ILogger

	mu        sync.Mutex
	completed []*models.ScheduledTask
	active    int
	submitted int
}

// NewSiteScheduler creates a scheduler for one site sharing the
// orchestrator's global semaphore.
func NewSiteScheduler(site string, config SiteConfig, globalSem chan struct{}, logger arbor.ILogger) *SiteScheduler {
	if logger == nil {
		logger = common.GetLogger()
	}
	workers := config.EffectiveMaxWorkers(cap(globalSem))
	logger.Info().
		Str("site", site).
		Int("max_workers", workers).
		Bool("requires_login", config.RequiresLogin).
		Msg("Site scheduler initialized")
	return &SiteScheduler{
		site:      site,
		config:    config,
		workers:   workers,
		globalSem: globalSem,
		siteSem:   make(chan struct{}, workers),
		queue:     newTaskQueue(),
		logger:    logger,
	}
}

// Enqueue adds a SKU to the site's FIFO queue without blocking.
func (s *SiteScheduler) Enqueue(sku string) *models.ScheduledTask {
	task := models.NewScheduledTask(s.site, sku)
	s.queue.Enqueue(task)

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()

	s.logger.Debug().Str("site", s.site).Str("sku", sku).Int("queue_size", s.queue.Len()).Msg("Task queued")
	return task
}

// Run drains the queue with the site's worker pool and returns all
// finished tasks. Tasks still queued when ctx is cancelled are
// surfaced as cancelled.
func (s *SiteScheduler) Run(ctx context.Context, fn ScrapeFunc) []*models.ScheduledTask {
	s.queue.Seal()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, fn, workerID)
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, s.queue.DrainCancelled()...)
	out := make([]*models.ScheduledTask, len(s.completed))
	copy(out, s.completed)
	return out
}

func (s *SiteScheduler) worker(ctx context.Context, fn ScrapeFunc, workerID int) {
	for {
		task, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		s.process(ctx, task, fn, workerID)
	}
}

// acquire obtains a semaphore slot or reports cancellation.
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *SiteScheduler) process(ctx context.Context, task *models.ScheduledTask, fn ScrapeFunc, workerID int) {
	_ = task.Transition(models.TaskWaiting)

	if !acquire(ctx, s.globalSem) {
		s.finish(task, models.TaskCancelled)
		return
	}
	defer func() { <-s.globalSem }()

	if !acquire(ctx, s.siteSem) {
		s.finish(task, models.TaskCancelled)
		return
	}
	defer func() { <-s.siteSem }()

	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	_ = task.Transition(models.TaskRunning)
	s.logger.Debug().
		Str("site", s.site).
		Str("sku", task.SKU).
		Int("worker_id", workerID).
		Msg("Task started")

	result, err := fn(ctx, s.site, task.SKU)
	task.Result = result

	switch {
	case ctx.Err() != nil:
		s.finish(task, models.TaskCancelled)
	case err != nil:
		task.Error = err.Error()
		s.logger.Warn().Str("site", s.site).Str("sku", task.SKU).Err(err).Msg("Task failed")
		s.finish(task, models.TaskFailed)
	default:
		s.finish(task, models.TaskCompleted)
	}
}

func (s *SiteScheduler) finish(task *models.ScheduledTask, status models.TaskStatus) {
	_ = task.Transition(status)
	s.mu.Lock()
	s.completed = append(s.completed, task)
	s.mu.Unlock()
}

// Stats returns a snapshot of the site's counters.
func (s *SiteScheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[models.TaskStatus]int{}
	for _, task := range s.completed {
		counts[task.Status]++
	}
	return map[string]interface{}{
		"site":            s.site,
		"requires_login":  s.config.RequiresLogin,
		"max_workers":     s.workers,
		"queued":          s.queue.Len(),
		"active":          s.active,
		"completed":       counts[models.TaskCompleted],
		"failed":          counts[models.TaskFailed],
		"cancelled":       counts[models.TaskCancelled],
		"total_submitted": s.submitted,
	}
}
