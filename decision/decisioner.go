package decision

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quotaforge/ratelimit/bucket"
	"github.com/quotaforge/ratelimit/identity"
	"github.com/quotaforge/ratelimit/override"
	"github.com/quotaforge/ratelimit/policy"
	"github.com/quotaforge/ratelimit/resilience"
	"github.com/quotaforge/ratelimit/telemetry"
)

// Decisioner ties together policy resolution, override application, the
// bucket engine, and the resilience layer to produce one Decision per
// request (spec §4.6).
type Decisioner struct {
	policyCache   *policy.Cache
	overrideCache *override.Cache
	engine        *bucket.Engine
	breaker       *resilience.CircuitBreaker
	fallback      *resilience.Fallback
	resolver      *identity.Resolver
	metrics       *telemetry.Metrics
}

// New constructs a Decisioner from its fully-wired dependencies.
func New(
	policyCache *policy.Cache,
	overrideCache *override.Cache,
	engine *bucket.Engine,
	breaker *resilience.CircuitBreaker,
	fallback *resilience.Fallback,
	resolver *identity.Resolver,
	metrics *telemetry.Metrics,
) *Decisioner {
	return &Decisioner{
		policyCache:   policyCache,
		overrideCache: overrideCache,
		engine:        engine,
		breaker:       breaker,
		fallback:      fallback,
		resolver:      resolver,
		metrics:       metrics,
	}
}

// Decide resolves identity, policy, and override state, then evaluates the
// checklist and returns the aggregated Decision (spec §4.6).
func (d *Decisioner) Decide(ctx context.Context, src identity.Source, mode string) (Decision, error) {
	id := d.resolver.Resolve(src)
	start := time.Now()

	tp, err := d.policyCache.GetTenant(ctx, id.TenantID)
	if err != nil {
		return Decision{}, err
	}
	gp, err := d.policyCache.GetGlobal(ctx)
	if err != nil {
		return Decision{}, err
	}

	var userIDPtr, endpointPtr *string
	if id.UserID != "" {
		userIDPtr = &id.UserID
	}
	endpointPtr = &id.Endpoint

	if o, found, oerr := d.overrideCache.GetActive(ctx, id.TenantID, userIDPtr, endpointPtr); oerr == nil && found {
		applied := override.Apply(tp, o)
		if d.metrics != nil {
			d.metrics.OverrideApplied.WithLabelValues(string(o.OverrideType), string(o.Source)).Inc()
		}
		if applied.Ban {
			d.recordMetrics(id, ScopeTenantGlobal, telemetry.ResultThrottledHard, mode, start)
			return Decision{
				Allowed:    false,
				Banned:     true,
				Result:     telemetry.ResultThrottledHard,
				Scope:      ScopeTenantGlobal,
				RetryAfter: retryAfterFromExpiry(applied.ExpiresAt),
			}, nil
		}
		tp = applied.Policy
	}
	// An override lookup failure (oerr != nil) fails open per spec §4.4:
	// proceed as if no override applied rather than blocking the request.

	checks := BuildChecklist(id, tp, gp)
	tenantBatch, globalBatch := splitChecklist(checks)

	var outcomes []ScopeOutcome
	fallbackUsed := false

	if !d.breaker.Allow() {
		fallbackUsed = true
		allowed := d.fallback.Allow(id.TenantID)
		outcomes = []ScopeOutcome{{
			Scope:    ScopeTenantGlobal,
			Allowed:  allowed,
			Severity: fallbackSeverity(allowed),
		}}
	} else {
		results, cerr := d.dispatch(ctx, tenantBatch, globalBatch)
		if cerr != nil {
			d.breaker.RecordFailure()
			fallbackUsed = true
			allowed := d.fallback.Allow(id.TenantID)
			outcomes = []ScopeOutcome{{
				Scope:    ScopeTenantGlobal,
				Allowed:  allowed,
				Severity: fallbackSeverity(allowed),
			}}
		} else {
			d.breaker.RecordSuccess()
			outcomes = results
		}
	}

	dec := aggregate(outcomes)
	dec.FallbackUsed = fallbackUsed

	d.recordMetrics(id, dec.Scope, dec.Result, mode, start)
	for _, o := range outcomes {
		if d.metrics != nil {
			d.metrics.BucketTokens.WithLabelValues(string(o.Scope), id.TenantID).Set(float64(o.Remaining))
			d.metrics.BucketUsagePct.WithLabelValues(string(o.Scope), id.TenantID, id.Endpoint).Set(o.UsagePct)
		}
	}

	return dec, nil
}

// dispatch evaluates the tenant-hash-tagged batch and the global checks
// concurrently: the batch pipelines as one Redis round trip, while each
// global check (a different cluster slot) runs as its own errgroup member
// (spec §4.2, §4.6).
func (d *Decisioner) dispatch(ctx context.Context, tenantBatch, globalBatch []Check) ([]ScopeOutcome, error) {
	g, gctx := errgroup.WithContext(ctx)

	var tenantResults []bucket.Result
	if len(tenantBatch) > 0 {
		g.Go(func() error {
			reqs := make([]bucket.Request, len(tenantBatch))
			for i, c := range tenantBatch {
				reqs[i] = checkRequest(c)
			}
			res, err := d.engine.CheckBatch(gctx, reqs)
			if err != nil {
				return err
			}
			tenantResults = res
			return nil
		})
	}

	globalResults := make([]bucket.Result, len(globalBatch))
	for i, c := range globalBatch {
		i, c := i, c
		g.Go(func() error {
			res, err := d.engine.Check(gctx, checkRequest(c))
			if err != nil {
				return err
			}
			globalResults[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	outcomes := make([]ScopeOutcome, 0, len(tenantBatch)+len(globalBatch))
	for i, c := range tenantBatch {
		outcomes = append(outcomes, toOutcome(c, tenantResults[i]))
	}
	for i, c := range globalBatch {
		outcomes = append(outcomes, toOutcome(c, globalResults[i]))
	}
	return outcomes, nil
}

func checkRequest(c Check) bucket.Request {
	return bucket.Request{
		Key:              c.Key,
		Capacity:         c.Policy.BurstCapacity,
		RefillRatePerSec: c.Policy.RefillRatePerSec,
		SoftPct:          c.SoftPct,
		HardPct:          c.HardPct,
	}
}

// toOutcome reports the scope's limit as policy.rpm of its own bucket (spec
// §4.6 step 8); severity comes straight from the primitive's server-side
// classification (spec §4.1 step 4), not recomputed client-side.
func toOutcome(c Check, r bucket.Result) ScopeOutcome {
	return ScopeOutcome{
		Scope:      c.Scope,
		Allowed:    r.Allowed,
		Limit:      c.Policy.RPM,
		Remaining:  r.TokensRemaining,
		UsagePct:   r.UsagePct,
		ResetAt:    time.Now().Add(r.ResetAfter),
		RetryAfter: r.RetryAfter,
		Severity:   severityFromState(r.State),
	}
}

func severityFromState(s bucket.State) Severity {
	switch s {
	case bucket.StateHard:
		return SeverityHard
	case bucket.StateSoft:
		return SeveritySoft
	default:
		return SeverityNone
	}
}

// fallbackSeverity classifies the in-process fallback limiter's outcome
// (spec §4.8): it only ever knows allow/deny, not a usage percentage, so it
// can only distinguish hard from normal.
func fallbackSeverity(allowed bool) Severity {
	if !allowed {
		return SeverityHard
	}
	return SeverityNone
}

// retryAfterFromExpiry computes the spec §4.4 ban retry-after:
// ceil(expires_at - now), floored at zero for an already-expired override
// the cache hasn't evicted yet.
func retryAfterFromExpiry(expiresAt time.Time) time.Duration {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second
}

func (d *Decisioner) recordMetrics(id identity.RequestIdentity, scope Scope, result telemetry.Result, mode string, start time.Time) {
	if d.metrics == nil {
		return
	}
	state := "unknown"
	if d.breaker != nil {
		switch d.breaker.State() {
		case telemetry.CircuitClosed:
			state = "closed"
		case telemetry.CircuitHalfOpen:
			state = "half_open"
		case telemetry.CircuitOpen:
			state = "open"
		}
	}
	d.metrics.RequestsTotal.WithLabelValues(id.TenantID, id.Endpoint, string(result), state, mode).Inc()
	d.metrics.CheckDurationMs.WithLabelValues(string(scope)).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}
