// Package resilience implements the failure-handling layer that sits in
// front of the bucket store (spec §4.7, §4.8): a circuit breaker guarding
// calls to Redis, and a local token-bucket fallback limiter used while the
// breaker is open.
package resilience

import (
	"sync/atomic"
	"time"

	"github.com/quotaforge/ratelimit/telemetry"
)

type breakerState int32

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// BreakerConfig configures the circuit breaker (spec §4.7, §6).
type BreakerConfig struct {
	FailureThreshold int32
	SuccessThreshold int32
	Timeout          time.Duration
}

// CircuitBreaker guards calls to the bucket store. It extends the
// teacher's CLOSED/OPEN/HALF_OPEN atomic state machine with an explicit
// success counter: spec §4.7 requires SuccessThreshold consecutive
// successes in HALF_OPEN before the breaker closes, not just one.
type CircuitBreaker struct {
	cfg      BreakerConfig
	metrics  *telemetry.Metrics
	resource string // metrics label, e.g. "redis_store"

	state        int32 // atomic, breakerState
	failureCount int32 // atomic
	successCount int32 // atomic, counts consecutive HALF_OPEN successes
	openedAt     int64 // atomic, UnixNano
}

// NewCircuitBreaker constructs a breaker in the CLOSED state. resource
// labels the guarded dependency for telemetry (spec §4.10's
// circuit_breaker_state{resource=...} series).
func NewCircuitBreaker(resource string, cfg BreakerConfig, metrics *telemetry.Metrics) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, metrics: metrics, resource: resource, state: int32(stateClosed)}
}

// Allow reports whether a call should be attempted against the guarded
// store right now. When the circuit is OPEN and the timeout has elapsed it
// transitions to HALF_OPEN and allows the call through; every call made
// while the circuit is HALF_OPEN is allowed.
func (cb *CircuitBreaker) Allow() bool {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateOpen:
		openedAtNano := atomic.LoadInt64(&cb.openedAt)
		if time.Since(time.Unix(0, openedAtNano)) >= cb.cfg.Timeout {
			if atomic.CompareAndSwapInt32(&cb.state, int32(stateOpen), int32(stateHalfOpen)) {
				atomic.StoreInt32(&cb.successCount, 0)
				cb.recordTransition("open", "half_open", telemetry.CircuitHalfOpen)
				return true
			}
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In HALF_OPEN, SuccessThreshold
// consecutive successes close the circuit; any other state just resets the
// failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateHalfOpen:
		n := atomic.AddInt32(&cb.successCount, 1)
		if n >= cb.cfg.SuccessThreshold {
			atomic.StoreInt32(&cb.state, int32(stateClosed))
			atomic.StoreInt32(&cb.failureCount, 0)
			atomic.StoreInt32(&cb.successCount, 0)
			cb.recordTransition("half_open", "closed", telemetry.CircuitClosed)
		}
	default:
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

// RecordFailure reports a failed call. Any failure while HALF_OPEN reopens
// the circuit immediately; in CLOSED, FailureThreshold failures trip it.
func (cb *CircuitBreaker) RecordFailure() {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateHalfOpen:
		cb.trip()
	default:
		n := atomic.AddInt32(&cb.failureCount, 1)
		if n >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	wasHalfOpen := breakerState(atomic.LoadInt32(&cb.state)) == stateHalfOpen
	atomic.StoreInt32(&cb.state, int32(stateOpen))
	atomic.StoreInt64(&cb.openedAt, time.Now().UnixNano())
	atomic.StoreInt32(&cb.successCount, 0)
	from := "closed"
	if wasHalfOpen {
		from = "half_open"
	}
	cb.recordTransition(from, "open", telemetry.CircuitOpen)
}

func (cb *CircuitBreaker) recordTransition(from, to string, s telemetry.CircuitState) {
	if cb.metrics == nil {
		return
	}
	cb.metrics.CircuitBreakerState.WithLabelValues(cb.resource).Set(float64(s))
	cb.metrics.CircuitBreakerTrans.WithLabelValues(cb.resource, from, to).Inc()
}

// State returns the current breaker state for diagnostics/telemetry.
func (cb *CircuitBreaker) State() telemetry.CircuitState {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateOpen:
		return telemetry.CircuitOpen
	case stateHalfOpen:
		return telemetry.CircuitHalfOpen
	default:
		return telemetry.CircuitClosed
	}
}
