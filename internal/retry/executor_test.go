package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// newTestExecutor returns an executor whose sleeps are captured instead
// of slept, plus the captured delays.
func newTestExecutor(cfg Config) (*Executor, *[]time.Duration) {
	e := NewExecutor(cfg, nil, nil)
	delays := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		*delays = append(*delays, d)
		return true
	}
	return e, delays
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	e, delays := newTestExecutor(DefaultConfig())

	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *delays)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	e, delays := newTestExecutor(DefaultConfig())

	calls := 0
	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("net::ERR_CONNECTION_RESET")
		}
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, *delays, 2)
	// Base 1s doubling per attempt; jitter adds at most 10%.
	assert.GreaterOrEqual(t, (*delays)[0], time.Second)
	assert.GreaterOrEqual(t, (*delays)[1], 2*time.Second)
	assert.Equal(t, CircuitClosed, e.Breaker().State("siteA"))
}

func TestExecuteNonRetryableShortCircuits(t *testing.T) {
	e, delays := newTestExecutor(DefaultConfig())

	calls := 0
	res := e.ExecuteWithRetry(context.Background(), "siteA", "login", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, models.NewScrapeError(models.FailureLoginFailed, "invalid credentials", models.ErrorContext{Site: "siteA"})
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls, "non-retryable kinds get exactly one attempt")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, models.FailureLoginFailed, res.FinalKind)
	assert.Empty(t, *delays)
}

func TestExecuteMaxRetriesWrapsLastError(t *testing.T) {
	e, _ := newTestExecutor(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	calls := 0
	cause := models.NewScrapeError(models.FailureTimeout, "navigation timed out", models.ErrorContext{Site: "siteA"})
	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, cause
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, calls, "initial attempt plus 2 retries")
	assert.Equal(t, 3, res.Attempts)

	se, ok := models.AsScrapeError(res.Err)
	require.True(t, ok)
	assert.Equal(t, models.FailureMaxRetries, se.Kind)
	assert.ErrorIs(t, res.Err, cause)
	assert.Equal(t, models.FailureTimeout, res.FinalKind)
}

func TestExecuteNoDataDoesNotTripBreaker(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())

	for i := 0; i < 10; i++ {
		res := e.ExecuteWithRetry(context.Background(), "siteA", "check_no_results", func(ctx context.Context) (interface{}, error) {
			return nil, models.NewScrapeError(models.FailureNoResults, "no products found", models.ErrorContext{Site: "siteA"})
		})
		assert.False(t, res.Success)
		assert.Equal(t, models.FailureNoResults, res.FinalKind)
	}

	assert.Equal(t, CircuitClosed, e.Breaker().State("siteA"), "absent products are not infrastructure failures")
}

func TestExecuteOpenCircuitRejectsWithoutInvoking(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())

	for i := 0; i < 5; i++ {
		e.Breaker().RecordFailure("siteA")
	}

	calls := 0
	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})

	assert.False(t, res.Success)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, models.FailureCircuitOpen, res.FinalKind)
	se, ok := models.AsScrapeError(res.Err)
	require.True(t, ok)
	assert.Equal(t, models.FailureCircuitOpen, se.Kind)
}

func TestExecuteDelayFloors(t *testing.T) {
	tests := []struct {
		kind  models.FailureKind
		floor time.Duration
	}{
		{models.FailureRateLimited, 10 * time.Second},
		{models.FailureCaptcha, 5 * time.Second},
		{models.FailureAccessDenied, 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e, delays := newTestExecutor(Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 60 * time.Second})

			e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
				return nil, models.NewScrapeError(tt.kind, "blocked", models.ErrorContext{Site: "siteA"})
			})

			// A default recovery hook may wait first; the backoff that
			// follows it must still honor the floor.
			require.NotEmpty(t, *delays)
			assert.GreaterOrEqual(t, (*delays)[len(*delays)-1], tt.floor, "adversarial kinds must honor the delay floor")
		})
	}
}

func TestExecuteDelayCappedByMaxDelay(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxRetries: 8, BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("timeout waiting for selector")
	})

	require.NotEmpty(t, *delays)
	for _, d := range *delays {
		// Cap plus at most 10% jitter.
		assert.LessOrEqual(t, d, 5*time.Second+500*time.Millisecond)
	}
}

func TestExecuteAdaptiveFactorGrowsDelay(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 60 * time.Second})

	// Saturate the history window with timeout failures for siteA.
	for i := 0; i < historyWindow; i++ {
		e.history.RecordFailure("siteA", models.FailureTimeout)
	}

	e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		return nil, models.NewScrapeError(models.FailureTimeout, "timed out", models.ErrorContext{Site: "siteA"})
	})

	require.Len(t, *delays, 1)
	// Base 1s with factor 3.0 for an all-failure window.
	assert.GreaterOrEqual(t, (*delays)[0], 3*time.Second)
}

func TestExecuteRecoveryConsumesSlotWithoutAttempt(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	recoveries := 0
	e.RegisterRecoveryHandler(models.FailureSession, func(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool {
		recoveries++
		return true
	})

	calls := 0
	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, models.NewScrapeError(models.FailureSession, "session expired", models.ErrorContext{Site: "siteA"})
		}
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 1, recoveries)
	assert.Equal(t, 1, res.Attempts, "a recovered failure does not count as an attempt")
	assert.Empty(t, *delays, "recovery skips the backoff sleep")
}

func TestExecuteFailedRecoveryFallsBackToBackoff(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	e.RegisterRecoveryHandler(models.FailureSession, func(ctx context.Context, errCtx models.ErrorContext, page interfaces.Page) bool {
		return false
	})

	calls := 0
	res := e.ExecuteWithRetry(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, models.NewScrapeError(models.FailureSession, "session expired", models.ErrorContext{Site: "siteA"})
		}
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, *delays, 1)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(DefaultConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		cancel()
		return false
	}

	res := e.ExecuteWithRetry(ctx, "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused by host")
	})

	assert.False(t, res.Success)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteCancelledBeforeFirstAttempt(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	res := e.ExecuteWithRetry(ctx, "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})

	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, calls)
}

func TestExecuteOnRetryCallback(t *testing.T) {
	e, _ := newTestExecutor(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	var attempts []int
	res := e.ExecuteWithRetryOpts(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("timeout")
	}, Options{OnRetry: func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}})

	assert.False(t, res.Success)
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestExecuteOptionsDisableRetries(t *testing.T) {
	e, delays := newTestExecutor(DefaultConfig())

	calls := 0
	res := e.ExecuteWithRetryOpts(context.Background(), "siteA", "navigate", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("timeout")
	}, Options{MaxRetries: -1})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestHistoryFactorBounds(t *testing.T) {
	h := NewHistory()

	assert.Equal(t, 1.0, h.Factor("siteA", models.FailureTimeout), "empty history is neutral")

	for i := 0; i < historyWindow; i++ {
		h.RecordFailure("siteA", models.FailureTimeout)
	}
	assert.InDelta(t, 3.0, h.Factor("siteA", models.FailureTimeout), 0.001)

	for i := 0; i < historyWindow; i++ {
		h.RecordSuccess("siteA", models.FailureTimeout)
	}
	assert.InDelta(t, 1.0, h.Factor("siteA", models.FailureTimeout), 0.001)

	// Other (site, kind) pairs are untouched.
	assert.Equal(t, 1.0, h.Factor("siteB", models.FailureTimeout))
	assert.Equal(t, 1.0, h.Factor("siteA", models.FailureCaptcha))
}
