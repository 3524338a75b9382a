package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/classifier"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// Operation is the retryable unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// RecoveryFunc attempts to recover from a failure kind before the next
// retry. page is the failing worker's page (nil when the caller has
// none). Returning true consumes the retry slot without counting as an
// attempt.
type RecoveryFunc func(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool

// Result is the outcome of ExecuteWithRetry.
type Result struct {
	Success    bool
	Value      interface{}
	Err        error
	Attempts   int
	TotalDelay time.Duration
	Cancelled  bool
	FinalKind  models.FailureKind
}

// Options override the executor defaults for one call. Zero values
// mean "use defaults"; MaxRetries < 0 disables retries entirely.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	OnRetry    func(attempt int, err error, delay time.Duration)

	// Page is handed to recovery hooks that act on the browser
	// (captcha refresh, cookie clearing).
	Page interfaces.Page
}

// Config tunes the executor defaults.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig matches the engine defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

// ConfigFromCommon converts the TOML retry section.
func ConfigFromCommon(c common.RetryConfig) Config {
	cfg := DefaultConfig()
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.BaseDelay > 0 {
		cfg.BaseDelay = time.Duration(c.BaseDelay * float64(time.Second))
	}
	if c.MaxDelay > 0 {
		cfg.MaxDelay = time.Duration(c.MaxDelay * float64(time.Second))
	}
	return cfg
}

// kindDelayFloors are the minimum backoffs for adversarial failures.
var kindDelayFloors = map[models.FailureKind]time.Duration{
	models.FailureRateLimited:  10 * time.Second,
	models.FailureCaptcha:      5 * time.Second,
	models.FailureAccessDenied: 15 * time.Second,
}

// Executor runs operations with adaptive retry, per-kind recovery
// hooks and a per-site circuit breaker.
type Executor struct {
	config   Config
	breaker  *Breaker
	history  *History
	classify *classifier.Classifier
	recovery map[models.FailureKind]RecoveryFunc
	logger   arbor.ILogger
	sleep    func(ctx context.Context, d time.Duration) bool // false = cancelled
}

// NewExecutor builds a retry executor. breaker may be shared with
// other executors; nil creates a private one with defaults.
func NewExecutor(config Config, breaker *Breaker, logger arbor.ILogger) *Executor {
	if logger == nil {
		logger = common.GetLogger()
	}
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig(), logger)
	}
	e := &Executor{
		config:   config,
		breaker:  breaker,
		history:  NewHistory(),
		classify: classifier.New(models.ValidationConfig{}, logger),
		recovery: make(map[models.FailureKind]RecoveryFunc),
		logger:   logger,
		sleep:    sleepCtx,
	}
	e.registerDefaultRecoveries()
	return e
}

// Breaker exposes the per-site circuit breakers.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// RegisterRecoveryHandler installs a recovery hook for a failure kind.
func (e *Executor) RegisterRecoveryHandler(kind models.FailureKind, handler RecoveryFunc) {
	e.recovery[kind] = handler
	e.logger.Debug().Str("kind", string(kind)).Msg("Registered recovery handler")
}

// ExecuteWithRetry runs op under the default options.
func (e *Executor) ExecuteWithRetry(ctx context.Context, site, action string, op Operation) Result {
	return e.ExecuteWithRetryOpts(ctx, site, action, op, Options{})
}

// ExecuteWithRetryOpts runs op with per-call overrides. The circuit
// breaker is consulted first: an open circuit rejects immediately with
// a non-retryable circuit_open error and no operation invocation.
func (e *Executor) ExecuteWithRetryOpts(ctx context.Context, site, action string, op Operation, opts Options) Result {
	errCtx := models.ErrorContext{Site: site, Action: action}

	if !e.breaker.Allow(site) {
		e.logger.Warn().Str("site", site).Str("action", action).Msg("Circuit breaker open, blocking request")
		return Result{
			Err:       models.NewScrapeError(models.FailureCircuitOpen, "circuit breaker open for "+site, errCtx),
			FinalKind: models.FailureCircuitOpen,
		}
	}

	maxRetries := e.config.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	} else if opts.MaxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := e.config.BaseDelay
	if opts.BaseDelay > 0 {
		baseDelay = opts.BaseDelay
	}
	errCtx.MaxRetries = maxRetries

	var (
		attempt    int
		totalDelay time.Duration
		lastErr    *models.ScrapeError
		lastKind   models.FailureKind
		recovered  = map[models.FailureKind]bool{}
	)

	for attempt <= maxRetries {
		errCtx.RetryCount = attempt

		// Cancellation check before any work.
		select {
		case <-ctx.Done():
			return Result{Err: lastErrOr(lastErr, ctx.Err()), Attempts: attempt, TotalDelay: totalDelay, Cancelled: true, FinalKind: lastKind}
		default:
		}

		value, err := op(ctx)
		if err == nil {
			if lastKind != "" {
				e.history.RecordSuccess(site, lastKind)
			}
			e.breaker.RecordSuccess(site)
			return Result{Success: true, Value: value, Attempts: attempt + 1, TotalDelay: totalDelay}
		}

		fc := e.classify.ClassifyError(err, errCtx)
		scrapeErr, ok := models.AsScrapeError(err)
		if !ok {
			scrapeErr = models.WrapScrapeError(fc.Kind, err.Error(), errCtx, err)
		}
		lastErr = scrapeErr
		lastKind = fc.Kind

		e.logger.Warn().
			Str("site", site).
			Str("action", action).
			Int("attempt", attempt+1).
			Int("max_attempts", maxRetries+1).
			Str("kind", string(fc.Kind)).
			Msg("Attempt failed")

		// Absent-product outcomes are terminal but never trip the
		// breaker; they are not infrastructure failures.
		if !scrapeErr.NoData() {
			e.history.RecordFailure(site, fc.Kind)
		}

		if !scrapeErr.Retryable() {
			if !scrapeErr.NoData() && scrapeErr.Kind != models.FailureCircuitOpen {
				e.breaker.RecordFailure(site)
			}
			return Result{Err: scrapeErr, Attempts: attempt + 1, TotalDelay: totalDelay, FinalKind: fc.Kind}
		}

		if attempt >= maxRetries {
			e.breaker.RecordFailure(site)
			wrapped := models.WrapScrapeError(models.FailureMaxRetries, "max retries exceeded: "+scrapeErr.Message, errCtx, scrapeErr)
			return Result{Err: wrapped, Attempts: attempt + 1, TotalDelay: totalDelay, FinalKind: fc.Kind}
		}

		// Recovery hook may consume the slot without counting as an
		// attempt. Each kind recovers at most once per execution so an
		// always-succeeding hook cannot retry forever.
		if handler, exists := e.recovery[fc.Kind]; exists && !recovered[fc.Kind] {
			recovered[fc.Kind] = true
			e.logger.Info().Str("site", site).Str("kind", string(fc.Kind)).Msg("Attempting recovery")
			if e.runRecovery(ctx, handler, errCtx, opts.Page) {
				e.logger.Info().Str("site", site).Msg("Recovery successful, retrying operation")
				continue
			}
		}

		delay := e.calculateDelay(site, fc.Kind, attempt, baseDelay)
		totalDelay += delay

		if opts.OnRetry != nil {
			func() {
				defer func() { _ = recover() }()
				opts.OnRetry(attempt, scrapeErr, delay)
			}()
		}

		// Cancellation check before the backoff sleep.
		select {
		case <-ctx.Done():
			e.logger.Warn().Str("site", site).Str("action", action).Int("attempts", attempt+1).Msg("Retry cancelled")
			return Result{Err: scrapeErr, Attempts: attempt + 1, TotalDelay: totalDelay, Cancelled: true, FinalKind: fc.Kind}
		default:
		}

		e.logger.Info().
			Str("site", site).
			Dur("delay", delay).
			Int("next_attempt", attempt+2).
			Msg("Waiting before retry")

		if !e.sleep(ctx, delay) {
			return Result{Err: scrapeErr, Attempts: attempt + 1, TotalDelay: totalDelay, Cancelled: true, FinalKind: fc.Kind}
		}

		attempt++
	}

	return Result{Err: lastErr, Attempts: attempt, TotalDelay: totalDelay, FinalKind: lastKind}
}

// calculateDelay applies capped exponential backoff, the adaptive
// history factor, per-kind floors and uniform(0, 10%) jitter.
func (e *Executor) calculateDelay(site string, kind models.FailureKind, attempt int, base time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > e.config.MaxDelay {
		delay = e.config.MaxDelay
	}

	delay = time.Duration(float64(delay) * e.history.Factor(site, kind))
	if delay > e.config.MaxDelay {
		delay = e.config.MaxDelay
	}

	if floor, ok := kindDelayFloors[kind]; ok && delay < floor {
		delay = floor
	}

	jitter := time.Duration(float64(delay) * 0.1 * rand.Float64())
	return delay + jitter
}

func (e *Executor) runRecovery(ctx context.Context, handler RecoveryFunc, errCtx models.ErrorContext, page interfaces.Page) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Str("site", errCtx.Site).Msg("Recovery handler panicked")
			ok = false
		}
	}()
	return handler(ctx, errCtx, page)
}

func lastErrOr(last *models.ScrapeError, fallback error) error {
	if last != nil {
		return last
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
