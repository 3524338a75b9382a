package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/events"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/workflow"
)

// workerStagger is the post-startup delay applied per worker index to
// break thundering-herd navigation.
const workerStagger = 500 * time.Millisecond

// agent is one worker's long-lived scrape state: an exclusively owned
// browser plus the workflow executor bound to its page. Checked out of
// the site's agent pool for exactly one SKU at a time.
type agent struct {
	site      string
	index     int
	browser   interfaces.Browser
	exec      *workflow.Executor
	processed int
	staggered bool
}

// agentPool holds one site's pre-launched agents. Launching every
// agent before any task runs acts as the start barrier: no worker
// begins scraping while another is still cold-starting its browser.
type agentPool struct {
	site      string
	agents    chan *agent
	browsers  interfaces.BrowserPool
	emitter   *events.Emitter
	build     func(page interfaces.Page) *workflow.Executor
	batchSize int
	logger    arbor.ILogger
}

// newAgentPool launches count agents for the site. Any launch failure
// tears down the agents already launched and fails the pool.
func newAgentPool(ctx context.Context, site string, count int,
	browsers interfaces.BrowserPool, emitter *events.Emitter,
	build func(page interfaces.Page) *workflow.Executor, batchSize int, logger arbor.ILogger) (*agentPool, error) {

	p := &agentPool{
		site:      site,
		agents:    make(chan *agent, count),
		browsers:  browsers,
		emitter:   emitter,
		build:     build,
		batchSize: batchSize,
		logger:    logger,
	}

	for i := 0; i < count; i++ {
		b, err := browsers.Acquire(ctx)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to launch worker %d for %s: %w", i, site, err)
		}
		if emitter != nil {
			emitter.BrowserInit(site, i)
		}
		p.agents <- &agent{site: site, index: i, browser: b, exec: build(b.Page())}
	}
	return p, nil
}

// checkout takes an exclusive agent, applying the one-time stagger
// delay and the scheduled batch restart.
func (p *agentPool) checkout(ctx context.Context) (*agent, error) {
	var a *agent
	select {
	case a = <-p.agents:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !a.staggered {
		a.staggered = true
		if a.index > 0 {
			if !sleepCtx(ctx, time.Duration(a.index)*workerStagger) {
				p.agents <- a
				return nil, ctx.Err()
			}
		}
	}

	// Restart the browser every batchSize SKUs so slow leaks in long
	// jobs cannot accumulate.
	if p.batchSize > 0 && a.processed > 0 && a.processed%p.batchSize == 0 {
		if err := p.restart(ctx, a); err != nil {
			p.agents <- a
			return nil, err
		}
	}
	return a, nil
}

// checkin returns the agent after one SKU.
func (p *agentPool) checkin(a *agent) {
	a.processed++
	p.agents <- a
}

// restart swaps the agent's browser for a fresh instance. The workflow
// executor is rebuilt because its login session dies with the browser.
func (p *agentPool) restart(ctx context.Context, a *agent) error {
	p.logger.Info().Str("site", p.site).Int("worker", a.index).Int("processed", a.processed).Msg("Restarting worker browser")
	p.browsers.Recycle(a.browser)
	fresh, err := p.browsers.Acquire(ctx)
	if err != nil {
		a.browser = nil
		return fmt.Errorf("failed to restart browser for %s worker %d: %w", p.site, a.index, err)
	}
	a.browser = fresh
	a.exec = p.build(fresh.Page())
	if p.emitter != nil {
		p.emitter.BrowserRestart(p.site, a.index, a.processed)
	}
	return nil
}

// recycleAgent force-replaces a crashed browser outside the batch
// schedule.
func (p *agentPool) recycleAgent(ctx context.Context, a *agent) {
	if err := p.restart(ctx, a); err != nil {
		p.logger.Warn().Err(err).Str("site", p.site).Int("worker", a.index).Msg("Browser replacement failed")
	}
}

// close releases every agent's browser back to the shared pool.
func (p *agentPool) close() {
	for {
		select {
		case a := <-p.agents:
			if a.browser != nil {
				p.browsers.Release(a.browser)
			}
		default:
			return
		}
	}
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
