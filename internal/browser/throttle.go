package browser

import (
	"context"

	"github.com/ternarybob/carpo/internal/common"
	"golang.org/x/time/rate"
)

// Throttler combines a token-bucket rate limit with a concurrency cap
// for outbound page loads. Both gates must pass before a request may
// proceed; Done releases the concurrency slot.
type Throttler struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// NewThrottler creates a throttler admitting requestsPerSecond
// sustained requests with at most maxConcurrent in flight.
func NewThrottler(requestsPerSecond float64, maxConcurrent int) *Throttler {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2.0
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), maxConcurrent),
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// NewThrottlerFromCommon builds a throttler from the TOML section.
func NewThrottlerFromCommon(c common.ThrottleConfig) *Throttler {
	return NewThrottler(c.RequestsPerSecond, c.MaxConcurrent)
}

// Wait blocks until a concurrency slot and a rate token are available.
// The caller must invoke Done after the request finishes.
func (t *Throttler) Wait(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		<-t.sem
		return err
	}
	return nil
}

// Done releases the concurrency slot taken by Wait.
func (t *Throttler) Done() {
	<-t.sem
}
