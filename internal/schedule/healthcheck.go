package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"github.com/ternarybob/carpo/internal/runner"
)

// HealthChecker runs test-mode scrapes on a cron schedule, writing
// health status back to the scraper store through the runner.
type HealthChecker struct {
	config   common.ScheduleConfig
	runner   *runner.Runner
	scrapers interfaces.ScraperStorage
	cron     *cron.Cron
	logger   arbor.ILogger
}

// New creates a health checker. Call Start to arm the schedule.
func New(config common.ScheduleConfig, r *runner.Runner, scrapers interfaces.ScraperStorage, logger arbor.ILogger) *HealthChecker {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &HealthChecker{
		config:   config,
		runner:   r,
		scrapers: scrapers,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start arms the cron schedule. Disabled schedules are a no-op.
func (h *HealthChecker) Start() error {
	if !h.config.Enabled {
		h.logger.Debug().Msg("Scheduled health checks disabled")
		return nil
	}

	_, err := h.cron.AddFunc(h.config.HealthCheckCron, h.RunOnce)
	if err != nil {
		return fmt.Errorf("invalid health check cron expression %q: %w", h.config.HealthCheckCron, err)
	}

	h.cron.Start()
	h.logger.Info().Str("cron", h.config.HealthCheckCron).Msg("Scheduled health checks armed")
	return nil
}

// Stop halts the schedule, waiting for a running check to finish.
func (h *HealthChecker) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// RunOnce runs a test-mode job across every enabled scraper. A health
// run is skipped, not queued, when a job is already active.
func (h *HealthChecker) RunOnce() {
	ctx := context.Background()

	defs, err := h.scrapers.List(ctx, false)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Health check skipped: cannot list scrapers")
		return
	}

	sites := make([]string, 0, len(defs))
	for _, def := range defs {
		if len(def.TestSKUs) > 0 || len(def.FakeSKUs) > 0 {
			sites = append(sites, def.Name)
		}
	}
	if len(sites) == 0 {
		h.logger.Debug().Msg("Health check skipped: no scrapers with test SKUs")
		return
	}

	job := models.Job{
		ID:       models.NewJobID() + "_health",
		Sites:    sites,
		TestMode: true,
	}

	h.logger.Info().Str("job_id", job.ID).Int("sites", len(sites)).Msg("Scheduled health check starting")
	summary, err := h.runner.Run(ctx, job)
	if err != nil {
		if err == runner.ErrJobRunning {
			h.logger.Info().Msg("Health check skipped: a scrape job is already running")
			return
		}
		h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Scheduled health check failed")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Int("total", summary.Total).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Msg("Scheduled health check finished")
}
