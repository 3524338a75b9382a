package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/models"
)

// Orchestrator runs every registered site scheduler concurrently under
// one global worker cap. The global semaphore is the hard ceiling on
// in-flight tasks; per-site semaphores shape throughput within it.
type Orchestrator struct {
	maxWorkers int
	globalSem  chan struct{}
	logger     arbor.ILogger

	mu      sync.Mutex
	sites   map[string]*SiteScheduler
	running bool
	cancel  context.CancelFunc
	started time.Time
}

// NewOrchestrator creates an orchestrator with a global cap of
// maxWorkers concurrent tasks across all sites.
func NewOrchestrator(maxWorkers int, logger arbor.ILogger) *Orchestrator {
	if logger == nil {
		logger = common.GetLogger()
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	logger.Info().Int("max_workers", maxWorkers).Msg("Orchestrator initialized")
	return &Orchestrator{
		maxWorkers: maxWorkers,
		globalSem:  make(chan struct{}, maxWorkers),
		sites:      make(map[string]*SiteScheduler),
		logger:     logger,
	}
}

// MaxWorkers returns the global concurrency cap.
func (o *Orchestrator) MaxWorkers() int { return o.maxWorkers }

// RegisterSite adds a site scheduler sharing the global semaphore.
// Re-registering a site replaces its configuration.
func (o *Orchestrator) RegisterSite(site string, config SiteConfig) *SiteScheduler {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.sites[site]; exists {
		o.logger.Warn().Str("site", site).Msg("Site already registered, replacing config")
	}
	s := NewSiteScheduler(site, config, o.globalSem, o.logger)
	o.sites[site] = s
	return s
}

// Enqueue adds a SKU to a registered site's queue.
func (o *Orchestrator) Enqueue(site, sku string) (*models.ScheduledTask, error) {
	o.mu.Lock()
	s, ok := o.sites[site]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("site %q not registered", site)
	}
	return s.Enqueue(sku), nil
}

// Run executes all queued tasks across all sites and returns the union
// of finished tasks. Only one run may be active at a time.
func (o *Orchestrator) Run(ctx context.Context, fn ScrapeFunc) ([]*models.ScheduledTask, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.started = time.Now()
	sites := make([]*SiteScheduler, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	o.logger.Info().Int("sites", len(sites)).Msg("Orchestrator run started")

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results []*models.ScheduledTask
	)
	for _, s := range sites {
		wg.Add(1)
		go func(s *SiteScheduler) {
			defer wg.Done()
			tasks := s.Run(runCtx, fn)
			resMu.Lock()
			results = append(results, tasks...)
			resMu.Unlock()
		}(s)
	}
	wg.Wait()

	o.logger.Info().
		Int("tasks", len(results)).
		Dur("elapsed", time.Since(o.started)).
		Msg("Orchestrator run finished")
	return results, nil
}

// Shutdown signals the active run to stop and waits up to timeout for
// in-flight tasks to finish. Queued tasks that never started surface
// as cancelled in the run's results.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	o.logger.Info().Dur("timeout", timeout).Msg("Orchestrator shutdown requested")
	cancel()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		running := o.running
		o.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	o.logger.Warn().Msg("Shutdown timeout elapsed with tasks still in flight")
}

// Stats aggregates per-site counters for the status endpoint.
func (o *Orchestrator) Stats() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	total, completed, failed, cancelled, queued, active := 0, 0, 0, 0, 0, 0
	siteStats := make(map[string]interface{}, len(o.sites))
	for name, s := range o.sites {
		stats := s.Stats()
		siteStats[name] = stats
		total += stats["total_submitted"].(int)
		completed += stats["completed"].(int)
		failed += stats["failed"].(int)
		cancelled += stats["cancelled"].(int)
		queued += stats["queued"].(int)
		active += stats["active"].(int)
	}

	out := map[string]interface{}{
		"max_workers":     o.maxWorkers,
		"total_tasks":     total,
		"completed_tasks": completed,
		"failed_tasks":    failed,
		"cancelled_tasks": cancelled,
		"queued_tasks":    queued,
		"active_tasks":    active,
		"running":         o.running,
		"sites":           siteStats,
	}
	if total > 0 {
		out["success_rate"] = float64(completed) / float64(total)
	} else {
		out["success_rate"] = 0.0
	}
	return out
}
