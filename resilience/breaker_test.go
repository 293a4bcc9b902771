package resilience

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quotaforge/ratelimit/telemetry"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) *CircuitBreaker {
	t.Helper()
	m := telemetry.New(prometheus.NewRegistry())
	return NewCircuitBreaker("redis_store", cfg, m)
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()

	require.Equal(t, telemetry.CircuitOpen, cb.State())
	require.False(t, cb.Allow())
}

func TestBreaker_HalfOpenRequiresConsecutiveSuccesses(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	require.Equal(t, telemetry.CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, telemetry.CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, telemetry.CircuitHalfOpen, cb.State(), "one success should not yet close with SuccessThreshold=2")

	cb.RecordSuccess()
	require.Equal(t, telemetry.CircuitClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	cb := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, telemetry.CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	require.Equal(t, telemetry.CircuitOpen, cb.State())
	require.False(t, cb.Allow())
}
