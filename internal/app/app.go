package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/browser"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/debug"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/handlers"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/retry"
	"github.com/ternarybob/carpo/internal/runner"
	"github.com/ternarybob/carpo/internal/schedule"
	badgerstore "github.com/ternarybob/carpo/internal/storage/badger"
)

// App holds all application components and dependencies.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Storage interfaces.StorageManager
	Bus     *events.Bus

	Browsers      *browser.Pool
	Runner        *runner.Runner
	Recorder      *debug.Recorder
	HealthChecker *schedule.HealthChecker

	APIHandler      *handlers.APIHandler
	ScrapeHandler   *handlers.ScrapeHandler
	EventsHandler   *handlers.EventsHandler
	ScrapersHandler *handlers.ScrapersHandler
	DebugHandler    *handlers.DebugHandler
	WSHandler       *handlers.WebSocketHandler

	shutdown chan struct{}
}

// New wires the application from configuration: storage, event bus,
// browser pool, runner, schedules and the HTTP handlers.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	if logger == nil {
		logger = common.GetLogger()
	}

	a := &App{
		Config:   config,
		Logger:   logger,
		shutdown: make(chan struct{}),
	}

	// Storage
	storage, err := badgerstore.NewManager(&config.Storage.Badger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = storage

	if err := storage.LoadScrapersFromFiles(ctx, config.Scrapers.Dir); err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to load scraper definitions: %w", err)
	}

	// Event bus
	a.Bus = events.NewBus(events.Options{
		GlobalBuffer: config.Events.GlobalBuffer,
		JobBuffer:    config.Events.JobBuffer,
		MaxJobs:      config.Events.MaxJobs,
		PersistPath:  config.Events.PersistPath,
	}, logger)

	// Browser pool with the shared page-load throttle
	poolCfg := browser.PoolConfigFromCommon(config.Browser)
	poolCfg.Throttle = browser.NewThrottlerFromCommon(config.Throttle)
	pool, err := browser.NewPool(poolCfg, logger)
	if err != nil {
		a.Bus.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to initialize browser pool: %w", err)
	}
	a.Browsers = pool

	// Debug artifact recorder
	a.Recorder = debug.NewRecorder(config.Scrapers.DebugDir, logger)
	a.Recorder.Attach(a.Bus)

	// Runner
	circuit := retry.BreakerConfigFromCommon(config.Circuit)
	a.Runner = runner.New(runner.Config{
		MaxWorkers: config.Engine.MaxWorkers,
		BatchSize:  config.Engine.BatchSize,
		OutputDir:  config.Scrapers.OutputDir,
		Retry:      retry.ConfigFromCommon(config.Retry),
		Circuit:    &circuit,
	}, runner.Deps{
		Scrapers:    storage.ScraperStorage(),
		Statuses:    storage.StatusStorage(),
		Products:    storage.ProductStorage(),
		Bus:         a.Bus,
		Browsers:    pool,
		Credentials: envCredentials,
		DebugFn:     a.Recorder.Capture,
		Logger:      logger,
	})

	// Scheduled health checks
	a.HealthChecker = schedule.New(config.Schedule, a.Runner, storage.ScraperStorage(), logger)
	if err := a.HealthChecker.Start(); err != nil {
		a.Close()
		return nil, err
	}

	// HTTP handlers
	a.APIHandler = handlers.NewAPIHandler()
	a.ScrapeHandler = handlers.NewScrapeHandler(a.Runner, logger)
	a.EventsHandler = handlers.NewEventsHandler(a.Bus, logger)
	a.ScrapersHandler = handlers.NewScrapersHandler(storage.ScraperStorage(), logger)
	a.DebugHandler = handlers.NewDebugHandler(a.Recorder, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Bus, &config.Events, logger)

	logger.Info().
		Str("scrapers_dir", config.Scrapers.Dir).
		Str("badger_path", config.Storage.Badger.Path).
		Int("max_workers", config.Engine.MaxWorkers).
		Int("browser_pool", config.Browser.PoolSize).
		Msg("Application initialized")
	return a, nil
}

// RequestShutdown signals the process to exit gracefully.
func (a *App) RequestShutdown() {
	select {
	case <-a.shutdown:
	default:
		close(a.shutdown)
	}
}

// ShutdownSignal is closed when a graceful shutdown was requested.
func (a *App) ShutdownSignal() <-chan struct{} {
	return a.shutdown
}

// Close tears down components in reverse dependency order.
func (a *App) Close() {
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.HealthChecker != nil {
		a.HealthChecker.Stop()
	}
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.Browsers != nil {
		a.Browsers.Close()
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event bus close failed")
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
}

// envCredentials resolves site login credentials from the environment:
// CARPO_<SITE>_USERNAME / CARPO_<SITE>_PASSWORD with the site name
// uppercased and non-alphanumerics mapped to underscores.
func envCredentials(site string) (string, string, error) {
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, site)

	username := os.Getenv("CARPO_" + key + "_USERNAME")
	password := os.Getenv("CARPO_" + key + "_PASSWORD")
	if username == "" || password == "" {
		return "", "", fmt.Errorf("no credentials configured for site %s", site)
	}
	return username, password, nil
}
