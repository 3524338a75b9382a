package retry

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
)

// CircuitState is the per-site breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes the per-site circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig matches the engine defaults: trip after 5
// consecutive failures, probe after 60s, close after 2 probe successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// BreakerConfigFromCommon converts the TOML config section.
func BreakerConfigFromCommon(c common.CircuitConfig) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(c.CooldownSeconds * float64(time.Second))
	}
	if c.HalfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = c.HalfOpenMaxCalls
	}
	return cfg
}

type circuitState struct {
	state         CircuitState
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
}

// Breaker holds independent circuit breakers per site.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	sites  map[string]*circuitState
	logger arbor.ILogger
	now    func() time.Time // overridable in tests
}

// NewBreaker creates a breaker set with the given config.
func NewBreaker(config BreakerConfig, logger arbor.ILogger) *Breaker {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Breaker{
		config: config,
		sites:  make(map[string]*circuitState),
		logger: logger,
		now:    time.Now,
	}
}

func (b *Breaker) site(name string) *circuitState {
	s, ok := b.sites[name]
	if !ok {
		s = &circuitState{state: CircuitClosed}
		b.sites[name] = s
	}
	return s
}

// Allow reports whether a request for the site may proceed. An open
// circuit past its cooldown moves to half-open and admits up to
// HalfOpenMaxCalls probes.
func (b *Breaker) Allow(site string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.site(site)
	switch s.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if !s.lastFailure.IsZero() && b.now().Sub(s.lastFailure) >= b.config.Cooldown {
			b.logger.Info().Str("site", site).Msg("Circuit breaker transitioning to half-open")
			s.state = CircuitHalfOpen
			s.halfOpenCalls = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if s.halfOpenCalls < b.config.HalfOpenMaxCalls {
			s.halfOpenCalls++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess updates the breaker after a successful operation. In
// the closed state a success decrements the failure count (floor 0).
func (b *Breaker) RecordSuccess(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.site(site)
	switch s.state {
	case CircuitHalfOpen:
		s.successCount++
		if s.successCount >= b.config.SuccessThreshold {
			b.logger.Info().Str("site", site).Msg("Circuit breaker closed after recovery")
			s.state = CircuitClosed
			s.failureCount = 0
			s.successCount = 0
			s.halfOpenCalls = 0
		}
	case CircuitClosed:
		if s.failureCount > 0 {
			s.failureCount--
		}
	}
}

// RecordFailure updates the breaker after a failed operation.
func (b *Breaker) RecordFailure(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.site(site)
	s.failureCount++
	s.lastFailure = b.now()

	switch s.state {
	case CircuitHalfOpen:
		b.logger.Warn().Str("site", site).Msg("Circuit breaker reopening after half-open failure")
		s.state = CircuitOpen
		s.successCount = 0
		s.halfOpenCalls = 0
	case CircuitClosed:
		if s.failureCount >= b.config.FailureThreshold {
			b.logger.Warn().
				Str("site", site).
				Int("failures", s.failureCount).
				Msg("Circuit breaker opened")
			s.state = CircuitOpen
		}
	}
}

// State returns the current state for a site.
func (b *Breaker) State(site string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.site(site).state
}

// Status returns a snapshot for the status endpoint.
func (b *Breaker) Status(site string) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.site(site)
	out := map[string]interface{}{
		"site":          site,
		"state":         string(s.state),
		"failure_count": s.failureCount,
		"success_count": s.successCount,
	}
	if !s.lastFailure.IsZero() {
		out["last_failure"] = s.lastFailure
	}
	return out
}

// Reset clears the breaker for a site.
func (b *Breaker) Reset(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sites, site)
	b.logger.Info().Str("site", site).Msg("Circuit breaker reset")
}
