package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure("siteA")
		assert.Equal(t, CircuitClosed, b.State("siteA"))
	}
	b.RecordFailure("siteA")
	assert.Equal(t, CircuitOpen, b.State("siteA"))
	assert.False(t, b.Allow("siteA"), "open circuit must reject")
}

func TestBreakerSuccessDecrementsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	// Interleave failures with successes so the count never reaches 5.
	for i := 0; i < 10; i++ {
		b.RecordFailure("siteA")
		b.RecordSuccess("siteA")
		b.RecordFailure("siteA")
	}
	assert.Equal(t, CircuitClosed, b.State("siteA"))
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	b, now := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("siteA")
	}
	require.Equal(t, CircuitOpen, b.State("siteA"))
	assert.False(t, b.Allow("siteA"))

	// Cooldown elapses: a probe is admitted.
	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow("siteA"))
	assert.Equal(t, CircuitHalfOpen, b.State("siteA"))

	// Two consecutive probe successes close the circuit.
	b.RecordSuccess("siteA")
	assert.Equal(t, CircuitHalfOpen, b.State("siteA"))
	b.RecordSuccess("siteA")
	assert.Equal(t, CircuitClosed, b.State("siteA"))
	assert.True(t, b.Allow("siteA"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("siteA")
	}
	*now = now.Add(61 * time.Second)
	require.True(t, b.Allow("siteA"))

	b.RecordFailure("siteA")
	assert.Equal(t, CircuitOpen, b.State("siteA"))
	assert.False(t, b.Allow("siteA"))
}

func TestBreakerHalfOpenInflightCap(t *testing.T) {
	b, now := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("siteA")
	}
	*now = now.Add(61 * time.Second)

	// HalfOpenMaxCalls = 3: first transition consumes one slot.
	assert.True(t, b.Allow("siteA"))
	assert.True(t, b.Allow("siteA"))
	assert.True(t, b.Allow("siteA"))
	assert.False(t, b.Allow("siteA"), "in-flight beyond cap rejects")
}

func TestBreakersAreIndependentPerSite(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("siteA")
	}
	assert.Equal(t, CircuitOpen, b.State("siteA"))
	assert.Equal(t, CircuitClosed, b.State("siteB"))
	assert.True(t, b.Allow("siteB"))
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("siteA")
	}
	b.Reset("siteA")
	assert.Equal(t, CircuitClosed, b.State("siteA"))
	assert.True(t, b.Allow("siteA"))
}
