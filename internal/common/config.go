package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level application configuration.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Logging     LoggingConfig  `toml:"logging"`
	Storage     StorageConfig  `toml:"storage"`
	Engine      EngineConfig   `toml:"engine"`
	Retry       RetryConfig    `toml:"retry"`
	Circuit     CircuitConfig  `toml:"circuit"`
	Browser     BrowserConfig  `toml:"browser"`
	Throttle    ThrottleConfig `toml:"throttle"`
	Events      EventsConfig   `toml:"events"`
	Scrapers    ScrapersConfig `toml:"scrapers"`
	Schedule    ScheduleConfig `toml:"schedule"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// EngineConfig controls scheduling and worker behavior.
type EngineConfig struct {
	MaxWorkers     int `toml:"max_workers"`
	BatchSize      int `toml:"batch_size"`        // SKUs per browser before restart
	WorkerStagger  int `toml:"worker_stagger_ms"` // post-barrier stagger per worker index
	PollIntervalMS int `toml:"poll_interval_ms"`  // queue dequeue poll window
}

type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseDelay   float64 `toml:"base_delay_seconds"`
	MaxDelay    float64 `toml:"max_delay_seconds"`
	DebugDelays bool    `toml:"debug_delays"`
}

type CircuitConfig struct {
	FailureThreshold int     `toml:"failure_threshold"`
	SuccessThreshold int     `toml:"success_threshold"`
	CooldownSeconds  float64 `toml:"cooldown_seconds"`
	HalfOpenMaxCalls int     `toml:"half_open_max_calls"`
}

type BrowserConfig struct {
	PoolSize          int    `toml:"pool_size"`
	MaxUses           int    `toml:"max_uses"`
	Headless          bool   `toml:"headless"`
	AcquireTimeoutSec int    `toml:"acquire_timeout_seconds"`
	UserAgent         string `toml:"user_agent"`
}

type ThrottleConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxConcurrent     int     `toml:"max_concurrent"`
}

type EventsConfig struct {
	GlobalBuffer    int            `toml:"global_buffer"`
	JobBuffer       int            `toml:"job_buffer"`
	MaxJobs         int            `toml:"max_jobs"`
	PersistPath     string         `toml:"persist_path"`      // empty disables JSONL persistence
	WSAllowedEvents []string       `toml:"ws_allowed_events"` // empty = broadcast all
	WSThrottleMS    map[string]int `toml:"ws_throttle_ms"`    // per-type minimum broadcast interval
}

type ScrapersConfig struct {
	Dir       string `toml:"dir"`        // YAML scraper definitions
	DebugDir  string `toml:"debug_dir"`  // debug artifact output
	OutputDir string `toml:"output_dir"` // session result files
}

type ScheduleConfig struct {
	Enabled         bool   `toml:"enabled"`
	HealthCheckCron string `toml:"health_check_cron"`
}

// NewDefaultConfig returns the built-in defaults, overridden by files,
// then environment, then CLI flags.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"console", "file"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/carpo.db",
				ResetOnStartup: false,
			},
		},
		Engine: EngineConfig{
			MaxWorkers:     4,
			BatchSize:      20,
			WorkerStagger:  500,
			PollIntervalMS: 500,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  1.0,
			MaxDelay:   60.0,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			CooldownSeconds:  60.0,
			HalfOpenMaxCalls: 3,
		},
		Browser: BrowserConfig{
			PoolSize:          4,
			MaxUses:           50,
			Headless:          true,
			AcquireTimeoutSec: 30,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: 2.0,
			MaxConcurrent:     8,
		},
		Events: EventsConfig{
			GlobalBuffer: 1000,
			JobBuffer:    500,
			MaxJobs:      100,
			PersistPath:  "",
		},
		Scrapers: ScrapersConfig{
			Dir:       "./scrapers",
			DebugDir:  "./debug",
			OutputDir: "./data/scraper_sessions",
		},
		Schedule: ScheduleConfig{
			Enabled:         false,
			HealthCheckCron: "0 3 * * *",
		},
	}
}

// LoadFromFiles loads configuration from multiple TOML files. Later
// files override earlier ones; environment variables override all
// files; CLI flags are applied afterwards via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CARPO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// API_PORT is the legacy port variable; CARPO_SERVER_PORT wins.
	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if port := os.Getenv("CARPO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CARPO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if level := os.Getenv("CARPO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CARPO_LOG_OUTPUT"); output != "" {
		parts := strings.Split(output, ",")
		outputs := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if path := os.Getenv("CARPO_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if workers := os.Getenv("CARPO_ENGINE_MAX_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 {
			config.Engine.MaxWorkers = w
		}
	}
	if dir := os.Getenv("CARPO_SCRAPERS_DIR"); dir != "" {
		config.Scrapers.Dir = dir
	}
	if rps := os.Getenv("CARPO_THROTTLE_RPS"); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
			config.Throttle.RequestsPerSecond = r
		}
	}
	if headless := os.Getenv("CARPO_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
}

// ApplyFlagOverrides applies command-line flag values (highest
// priority). Zero values mean "not set".
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
