package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottlerCapsConcurrency(t *testing.T) {
	th := NewThrottler(1000, 2)

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, th.Wait(context.Background()))
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			th.Done()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestThrottlerRateLimits(t *testing.T) {
	// 10 rps with burst sized by concurrency cap 1: sustained requests
	// must spread out by ~100ms after the first.
	th := NewThrottler(10, 1)

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, th.Wait(context.Background()))
		th.Done()
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "token bucket must pace requests")
}

func TestThrottlerWaitHonorsCancellation(t *testing.T) {
	th := NewThrottler(1000, 1)
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := th.Wait(ctx)
	assert.Error(t, err, "blocked Wait must return when the context expires")

	th.Done()
	require.NoError(t, th.Wait(context.Background()))
	th.Done()
}

func TestThrottlerDefaults(t *testing.T) {
	th := NewThrottler(0, 0)
	require.NoError(t, th.Wait(context.Background()))
	th.Done()
}
