package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/collector"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/ternarybob/carpo/internal/retry"
	"github.com/ternarybob/carpo/internal/scheduler"
	"github.com/ternarybob/carpo/internal/workflow"
)

// defaultBatchSize is how many SKUs a worker processes before its
// browser is force-restarted.
const defaultBatchSize = 20

// ErrJobRunning is returned when a scrape is submitted while another
// is active.
var ErrJobRunning = errors.New("a scrape job is already running")

// Config tunes the runner.
type Config struct {
	MaxWorkers int
	BatchSize  int
	OutputDir  string
	Retry      retry.Config
	Circuit    *retry.BreakerConfig // nil uses the engine defaults
	DebugMode  bool
}

// Deps are the external collaborators of the runner.
type Deps struct {
	Scrapers    interfaces.ScraperStorage
	Statuses    interfaces.StatusStorage
	Products    interfaces.ProductStorage
	Bus         interfaces.EventBus
	Browsers    interfaces.BrowserPool
	Credentials workflow.CredentialsFunc
	DebugFn     workflow.DebugFunc
	Logger      arbor.ILogger
}

// Runner drives one scrape job end to end: loading definitions,
// allocating workers, scheduling (site, sku) tasks, and aggregating
// results. One job at a time.
type Runner struct {
	config  Config
	deps    Deps
	tracker *StatusTracker
	breaker *retry.Breaker
	logger  arbor.ILogger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a runner.
func New(config Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = common.GetLogger()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	breakerCfg := retry.DefaultBreakerConfig()
	if config.Circuit != nil {
		breakerCfg = *config.Circuit
	}
	return &Runner{
		config:  config,
		deps:    deps,
		tracker: NewStatusTracker(),
		breaker: retry.NewBreaker(breakerCfg, logger),
		logger:  logger,
	}
}

// Status exposes the live tracker for the HTTP surface.
func (r *Runner) Status() *StatusTracker { return r.tracker }

// Stop cancels the active job. Returns false when no job is running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// siteRun is one site's state for the duration of a job.
type siteRun struct {
	def      *models.ScraperDefinition
	skus     []string
	skuTypes map[string]models.SkuType
	workers  int
	agents   *agentPool

	mu          sync.Mutex
	processed   int
	successful  int
	testResults []models.SkuResult
}

func (s *siteRun) skuType(sku string) models.SkuType {
	if t, ok := s.skuTypes[sku]; ok {
		return t
	}
	return models.SkuTypeTest
}

func (s *siteRun) record(result models.SkuResult, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if success {
		s.successful++
	}
	s.testResults = append(s.testResults, result)
}

// Run executes one job to completion and returns its summary. Per-SKU
// failures never abort the job; only startup errors (no usable sites,
// browsers failing to launch) do.
func (r *Runner) Run(ctx context.Context, job models.Job) (models.JobSummary, error) {
	runs, total, err := r.prepareSites(ctx, job)
	if err != nil {
		return models.JobSummary{}, err
	}

	if !r.tracker.StartJob(job, total) {
		return models.JobSummary{}, ErrJobRunning
	}
	defer r.tracker.FinishJob()

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()

	emitter := events.NewEmitter(r.deps.Bus, job.ID)
	sites := make([]string, 0, len(runs))
	for site := range runs {
		sites = append(sites, site)
	}
	emitter.JobStarted(total, sites, job.TestMode)
	r.tracker.Log("job %s started: %d SKUs across %d sites", job.ID, total, len(runs))

	coll := collector.New(r.deps.Products, emitter, r.config.OutputDir, job.TestMode, r.logger)
	retryExec := retry.NewExecutor(r.config.Retry, r.breaker, r.logger)

	allocations, globalMax := allocateWorkers(job, runs, r.config.MaxWorkers)
	orch := scheduler.NewOrchestrator(globalMax, r.logger)

	// Launch every worker's browser before any task runs. This is the
	// start barrier: scraping begins only once all workers are warm.
	for site, run := range runs {
		run.workers = allocations[site]
		pool, err := newAgentPool(runCtx, site, run.workers,
			r.deps.Browsers, emitter,
			r.executorBuilder(run.def, retryExec, emitter, job.DebugMode),
			r.config.BatchSize, r.logger)
		if err != nil {
			emitter.JobFailed(err.Error())
			r.closeAgents(runs)
			return models.JobSummary{}, err
		}
		run.agents = pool

		orch.RegisterSite(site, scheduler.SiteConfig{
			RequiresLogin: run.def.RequiresAuth,
			MaxWorkers:    run.workers,
		})
		for _, sku := range run.skus {
			if _, err := orch.Enqueue(site, sku); err != nil {
				r.logger.Warn().Err(err).Str("site", site).Str("sku", sku).Msg("Enqueue failed")
			}
		}
		emitter.ScraperStarted(site, len(run.skus), run.workers)
	}
	defer r.closeAgents(runs)

	start := time.Now()
	var counters countersByOutcome

	_, err = orch.Run(runCtx, func(taskCtx context.Context, site, sku string) (map[string]interface{}, error) {
		run := runs[site]
		return r.processSKU(taskCtx, run, sku, job, emitter, coll, &counters)
	})
	if err != nil {
		emitter.JobFailed(err.Error())
		return counters.summary(), err
	}

	for site, run := range runs {
		run.mu.Lock()
		processed, successful := run.processed, run.successful
		results := append([]models.SkuResult(nil), run.testResults...)
		run.mu.Unlock()

		emitter.ScraperCompleted(site, processed, successful)
		r.tracker.SiteDone(site)

		if job.TestMode {
			r.writeTestResult(ctx, site, results, start)
		}
	}

	summary := counters.summary()
	location := coll.SaveSession(map[string]interface{}{
		"job_id":    job.ID,
		"sites":     sites,
		"test_mode": job.TestMode,
		"summary":   summary,
	})
	r.tracker.Log("session saved to %s", location)

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Stopped via the HTTP surface rather than process shutdown.
		emitter.JobCancelled(summary.Processed(), total-summary.Processed())
		r.tracker.Log("job %s cancelled: %d/%d processed", job.ID, summary.Processed(), total)
		return summary, nil
	}
	if ctx.Err() != nil {
		emitter.JobCancelled(summary.Processed(), total-summary.Processed())
		return summary, ctx.Err()
	}

	emitter.JobCompleted(summary, time.Since(start))
	r.tracker.Log("job %s completed in %s", job.ID, time.Since(start).Round(time.Millisecond))
	return summary, nil
}

// prepareSites loads definitions and resolves the SKU list per site.
// Test mode substitutes each scraper's test and fake SKUs for the
// request's SKUs.
func (r *Runner) prepareSites(ctx context.Context, job models.Job) (map[string]*siteRun, int, error) {
	runs := make(map[string]*siteRun, len(job.Sites))
	total := 0

	for _, site := range job.Sites {
		def, err := r.deps.Scrapers.Get(ctx, site)
		if err != nil {
			r.logger.Warn().Err(err).Str("site", site).Msg("Scraper definition not found, skipping site")
			continue
		}
		if def.Disabled {
			r.logger.Info().Str("site", site).Msg("Scraper disabled, skipping site")
			continue
		}
		if err := workflow.ValidateWorkflow(def); err != nil {
			r.logger.Warn().Err(err).Str("site", site).Msg("Invalid workflow, skipping site")
			continue
		}

		run := &siteRun{def: def, skuTypes: make(map[string]models.SkuType)}
		if job.TestMode {
			for _, sku := range def.TestSKUs {
				run.skus = append(run.skus, sku)
				run.skuTypes[sku] = models.SkuTypeTest
			}
			for _, sku := range def.FakeSKUs {
				run.skus = append(run.skus, sku)
				run.skuTypes[sku] = models.SkuTypeFake
			}
			if len(run.skus) == 0 {
				r.logger.Warn().Str("site", site).Msg("Test mode with no test SKUs configured, skipping site")
				continue
			}
		} else {
			run.skus = append(run.skus, job.SKUs...)
		}

		runs[site] = run
		total += len(run.skus)
	}

	if len(runs) == 0 {
		return nil, 0, fmt.Errorf("no usable scrapers among %v", job.Sites)
	}
	return runs, total, nil
}

// allocateWorkers splits the worker budget across sites: explicit
// override, else an even share, clamped to 1 for login sites. When the
// per-site minimums exceed the budget, the global cap is raised to
// match so every site keeps at least one worker.
func allocateWorkers(job models.Job, runs map[string]*siteRun, defaultMax int) (map[string]int, int) {
	globalMax := job.MaxWorkers
	if globalMax <= 0 {
		globalMax = defaultMax
	}

	allocations := make(map[string]int, len(runs))
	share := globalMax / len(runs)
	if share < 1 {
		share = 1
	}
	sum := 0
	for site, run := range runs {
		workers := share
		if override, ok := job.PerSite[site]; ok && override > 0 {
			workers = override
		}
		if run.def.RequiresAuth {
			workers = 1
		}
		allocations[site] = workers
		sum += workers
	}
	if sum > globalMax {
		globalMax = sum
	}
	return allocations, globalMax
}

// executorBuilder returns the factory used to (re)build a worker's
// workflow executor whenever its browser is replaced.
func (r *Runner) executorBuilder(def *models.ScraperDefinition, retryExec *retry.Executor, emitter *events.Emitter, debugMode bool) func(page interfaces.Page) *workflow.Executor {
	return func(page interfaces.Page) *workflow.Executor {
		return workflow.New(workflow.Config{
			Definition:  def,
			Page:        page,
			Retry:       retryExec,
			Emitter:     emitter,
			Credentials: r.deps.Credentials,
			DebugMode:   debugMode || r.config.DebugMode,
			DebugFn:     r.deps.DebugFn,
			Logger:      r.logger,
		})
	}
}

// countersByOutcome aggregates the job summary across workers.
type countersByOutcome struct {
	mu                                      sync.Mutex
	successful, noResults, notFound, failed int
}

func (c *countersByOutcome) add(outcome models.SkuOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case models.OutcomeSuccess:
		c.successful++
	case models.OutcomeNoResults:
		c.noResults++
	case models.OutcomeNotFound:
		c.notFound++
	default:
		c.failed++
	}
}

func (c *countersByOutcome) summary() models.JobSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.JobSummary{
		Total:      c.successful + c.noResults + c.notFound + c.failed,
		Successful: c.successful,
		NoResults:  c.noResults,
		NotFound:   c.notFound,
		Failed:     c.failed,
	}
}

// processSKU runs the workflow for one (site, sku) task and fans the
// outcome out to the collector, status store, tracker and event bus.
func (r *Runner) processSKU(ctx context.Context, run *siteRun, sku string, job models.Job,
	emitter *events.Emitter, coll *collector.Collector, counters *countersByOutcome) (map[string]interface{}, error) {

	site := run.def.Name
	a, err := run.agents.checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer run.agents.checkin(a)

	workerID := fmt.Sprintf("%s-%d", site, a.index)
	r.tracker.SetWorker(workerID, WorkerStatus{Site: site, CurrentSKU: sku, Processed: a.processed})
	emitter.SkuProcessing(site, sku)

	skuType := run.skuType(sku)
	start := time.Now()
	out := a.exec.ExecuteWorkflow(ctx, &workflow.Context{
		SKU:      sku,
		Site:     site,
		SkuType:  skuType,
		TestMode: job.TestMode,
	})
	duration := time.Since(start)

	defer func() {
		completed, total, pct := r.tracker.CompleteSKU()
		emitter.ProgressUpdate(completed, total, pct)
		emitter.ProgressWorker(site, a.index, a.processed+1)
		r.tracker.SetWorker(workerID, WorkerStatus{Site: site, Processed: a.processed + 1})
	}()

	result := models.SkuResult{
		SKU:       sku,
		Type:      skuType,
		Duration:  duration,
		Selectors: out.Selectors,
	}

	switch {
	case out.Success && !out.NoResultsFound:
		result.Outcome = models.OutcomeSuccess
		result.Data = out.Results
		coll.Add(ctx, sku, site, out.Results, 0)
		emitter.SkuSuccess(site, sku, len(out.Results), duration)
		r.recordStatus(ctx, job, sku, site, models.StatusScraped, "")
		counters.add(models.OutcomeSuccess)
		run.record(result, true)
		return out.Results, nil

	case out.Success && out.NoResultsFound:
		if out.FailureKind == models.FailurePageNotFound {
			result.Outcome = models.OutcomeNotFound
			emitter.SkuNotFound(site, sku)
			r.recordStatus(ctx, job, sku, site, models.StatusNotFound, "")
			counters.add(models.OutcomeNotFound)
		} else {
			result.Outcome = models.OutcomeNoResults
			if out.FailureKind != models.FailureNoResults {
				// The check_no_results action emits its own event; the
				// flag-only path (conditional_skip) has not emitted yet.
				emitter.SkuNoResults(site, sku, skuType, result.IsPassing())
			}
			r.recordStatus(ctx, job, sku, site, models.StatusNoResults, "")
			counters.add(models.OutcomeNoResults)
		}
		run.record(result, false)
		return map[string]interface{}{}, nil

	default:
		errMsg := strings.Join(out.Errors, "; ")
		if errMsg == "" {
			errMsg = "workflow failed"
		}
		result.Outcome = models.OutcomeError
		result.Error = errMsg
		emitter.SkuFailed(site, sku, errMsg, out.FailureKind)
		r.recordStatus(ctx, job, sku, site, models.StatusError, errMsg)
		r.tracker.Error(fmt.Sprintf("%s/%s: %s", site, sku, errMsg))
		counters.add(models.OutcomeError)
		run.record(result, false)

		if out.FailureKind == models.FailureBrowser {
			run.agents.recycleAgent(ctx, a)
		}
		return nil, fmt.Errorf("%s: %s", out.FailureKind, errMsg)
	}
}

// recordStatus persists the per-(sku, site) progress row. Test runs
// validate scrapers and must not pollute production status data.
func (r *Runner) recordStatus(ctx context.Context, job models.Job, sku, site string, status models.ScrapeStatus, errMsg string) {
	if job.TestMode || r.deps.Statuses == nil {
		return
	}
	if err := r.deps.Statuses.RecordScrapeStatus(ctx, sku, site, status, errMsg); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Str("sku", sku).Msg("Failed to record scrape status")
	}
}

// writeTestResult derives scraper health from the test run and writes
// it back to the scraper store.
func (r *Runner) writeTestResult(ctx context.Context, site string, results []models.SkuResult, start time.Time) {
	health := models.CalculateHealth(results)
	testResult := &models.SiteTestResult{
		Site:       site,
		Health:     health,
		Results:    results,
		TestedAt:   time.Now(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err := r.deps.Scrapers.UpdateTestResult(ctx, site, testResult); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Msg("Failed to persist test result")
		return
	}
	if err := r.deps.Scrapers.UpdateHealth(ctx, site, health); err != nil {
		r.logger.Warn().Err(err).Str("site", site).Msg("Failed to persist scraper health")
	}
	r.tracker.Log("site %s health: %s (%d SKUs tested)", site, health, len(results))
	r.logger.Info().Str("site", site).Str("health", string(health)).Int("results", len(results)).Msg("Test run recorded")
}

func (r *Runner) closeAgents(runs map[string]*siteRun) {
	for _, run := range runs {
		if run.agents != nil {
			run.agents.close()
		}
	}
}
