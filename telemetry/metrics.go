// Package telemetry defines the counters, histograms, and gauges spec §4.10
// requires, registered against an injected prometheus.Registerer rather than
// the global default registry so multiple Applications stay test-isolated
// (see SPEC_FULL.md §4.10 and the §9 "singleton process-wide" redesign note).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels the outcome of a single decision.
type Result string

const (
	ResultAllowed       Result = "allowed"
	ResultThrottledSoft Result = "throttled_soft"
	ResultThrottledHard Result = "throttled_hard"
)

// Metrics bundles every exported series named in spec §4.10.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	CheckDurationMs       *prometheus.HistogramVec
	BucketTokens          *prometheus.GaugeVec
	BucketUsagePct        *prometheus.GaugeVec
	PolicyCacheHits       prometheus.Counter
	PolicyCacheMisses     prometheus.Counter
	PolicyCacheHitRatio   prometheus.Gauge
	FallbackActivations   *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrans   *prometheus.CounterVec
	OverrideApplied       *prometheus.CounterVec
	AbuseFlags            *prometheus.CounterVec
	AbuseJobRuns          *prometheus.CounterVec
	DependencyHealthy     *prometheus.GaugeVec
}

// New registers every series against reg and returns the bundle. reg may be a
// prometheus.NewRegistry() in tests to avoid collisions with other suites.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total rate-limit decisions made, by outcome.",
		}, []string{"tenant_id", "endpoint", "result", "state", "mode"}),

		CheckDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "check_duration_ms",
			Help:    "Duration of a single scope check against the store, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"scope"}),

		BucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_tokens",
			Help: "Tokens remaining in the most recently evaluated bucket for a scope.",
		}, []string{"scope", "tenant_id"}),

		BucketUsagePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_usage_pct",
			Help: "Usage percentage of the most recently evaluated bucket.",
		}, []string{"scope", "tenant_id", "endpoint"}),

		PolicyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_hits_total",
			Help: "Policy cache hits.",
		}),
		PolicyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_misses_total",
			Help: "Policy cache misses.",
		}),
		PolicyCacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_cache_hit_ratio",
			Help: "Rolling policy cache hit ratio.",
		}),

		FallbackActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_activations_total",
			Help: "Times the fallback limiter served a decision instead of the primary store.",
		}, []string{"reason"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed,1=half_open,2=open.",
		}, []string{"resource"}),

		CircuitBreakerTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"resource", "from", "to"}),

		OverrideApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "override_applied_total",
			Help: "Overrides applied to a decision.",
		}, []string{"type", "source"}),

		AbuseFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_flags_total",
			Help: "Tenants flagged by the abuse detector.",
		}, []string{"tenant_id", "severity"}),

		AbuseJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_job_runs_total",
			Help: "Abuse detector loop iterations, by outcome.",
		}, []string{"status"}),

		DependencyHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dependency_healthy",
			Help: "1 if the last active health probe of a dependency succeeded, else 0.",
		}, []string{"dependency"}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.CheckDurationMs, m.BucketTokens, m.BucketUsagePct,
		m.PolicyCacheHits, m.PolicyCacheMisses, m.PolicyCacheHitRatio,
		m.FallbackActivations, m.CircuitBreakerState, m.CircuitBreakerTrans,
		m.OverrideApplied, m.AbuseFlags, m.AbuseJobRuns, m.DependencyHealthy,
	)
	return m
}

// CircuitState mirrors the resilience breaker's internal state encoding for
// the gauge.
type CircuitState int

const (
	CircuitClosed   CircuitState = 0
	CircuitHalfOpen CircuitState = 1
	CircuitOpen     CircuitState = 2
)
