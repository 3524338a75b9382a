package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
)

// PoolConfig tunes the Chrome instance pool.
type PoolConfig struct {
	Size           int
	MaxUses        int
	Headless       bool
	UserAgent      string
	AcquireTimeout time.Duration
	Throttle       *Throttler // shared page-load throttle, nil disables
}

// DefaultPoolConfig matches the engine defaults: 4 instances recycled
// every 50 uses.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           4,
		MaxUses:        50,
		Headless:       true,
		AcquireTimeout: 60 * time.Second,
	}
}

// PoolConfigFromCommon converts the TOML browser section.
func PoolConfigFromCommon(c common.BrowserConfig) PoolConfig {
	cfg := DefaultPoolConfig()
	if c.PoolSize > 0 {
		cfg.Size = c.PoolSize
	}
	if c.MaxUses > 0 {
		cfg.MaxUses = c.MaxUses
	}
	cfg.Headless = c.Headless
	if c.UserAgent != "" {
		cfg.UserAgent = c.UserAgent
	}
	if c.AcquireTimeoutSec > 0 {
		cfg.AcquireTimeout = time.Duration(c.AcquireTimeoutSec) * time.Second
	}
	return cfg
}

func (c PoolConfig) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// slot is one pool position. A nil browser means the instance failed
// and will be relaunched lazily at the next acquire.
type slot struct {
	browser *chromeBrowser
}

// Pool hands out exclusive Chrome instances. Instances are recycled
// after MaxUses checkouts or when the health probe fails, so slow
// memory leaks in long scrape jobs cannot accumulate.
type Pool struct {
	config PoolConfig
	slots  chan *slot
	logger arbor.ILogger

	mu     sync.Mutex
	closed bool
}

// NewPool eagerly launches the configured number of Chrome instances.
// Partial startup is tolerated (failed slots relaunch on demand) but a
// pool with zero live instances is an error.
func NewPool(config PoolConfig, logger arbor.ILogger) (*Pool, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	if config.Size <= 0 {
		return nil, fmt.Errorf("browser pool size must be positive, got %d", config.Size)
	}

	p := &Pool{
		config: config,
		slots:  make(chan *slot, config.Size),
		logger: logger,
	}

	live := 0
	for i := 0; i < config.Size; i++ {
		b, err := newChromeBrowser(config, logger)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Failed to launch browser instance")
			p.slots <- &slot{}
			continue
		}
		p.slots <- &slot{browser: b}
		live++
	}
	if live == 0 {
		close(p.slots)
		return nil, fmt.Errorf("failed to launch any browser instances")
	}

	logger.Info().
		Int("pool_size", config.Size).
		Int("live", live).
		Int("max_uses", config.MaxUses).
		Bool("headless", config.Headless).
		Msg("Browser pool initialized")
	return p, nil
}

// Acquire checks out an exclusive browser, relaunching dead or worn
// out instances as needed.
func (p *Pool) Acquire(ctx context.Context) (interfaces.Browser, error) {
	timeout := p.config.AcquireTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var s *slot
	select {
	case s = <-p.slots:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("browser acquire timed out: %w", waitCtx.Err())
	}

	b := s.browser
	if b != nil && (b.uses >= p.config.MaxUses || !b.Healthy(ctx)) {
		p.logger.Info().Int("uses", b.uses).Msg("Recycling browser instance")
		_ = b.Close()
		b = nil
	}
	if b == nil {
		fresh, err := newChromeBrowser(p.config, p.logger)
		if err != nil {
			// Return the empty slot so the pool does not shrink.
			p.slots <- &slot{}
			return nil, fmt.Errorf("failed to relaunch browser: %w", err)
		}
		b = fresh
	}

	b.uses++
	return b, nil
}

// Release returns a browser to the pool.
func (p *Pool) Release(b interfaces.Browser) {
	cb, ok := b.(*chromeBrowser)
	if !ok {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = cb.Close()
		return
	}
	p.slots <- &slot{browser: cb}
}

// Recycle closes the instance and returns an empty slot, forcing a
// fresh launch at the next acquire. Used for scheduled restarts
// between SKU batches.
func (p *Pool) Recycle(b interfaces.Browser) {
	cb, ok := b.(*chromeBrowser)
	if ok {
		_ = cb.Close()
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		p.slots <- &slot{}
	}
}

// Close shuts down all pooled instances. Instances checked out at
// close time are closed by Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.slots:
			if s.browser != nil {
				_ = s.browser.Close()
			}
		default:
			p.logger.Info().Msg("Browser pool closed")
			return nil
		}
	}
}

var _ interfaces.BrowserPool = (*Pool)(nil)
