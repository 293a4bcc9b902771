// Package ratelimit wires the independently-testable packages under this
// module (policy, override, bucket, resilience, decision, middleware, abuse,
// telemetry) into a single Application, replacing the old functional-options
// RateLimiter constructor with one explicit object whose lifecycle a caller
// drives via Start/Stop (see SPEC_FULL.md §9's "explicit application object"
// redesign note).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/quotaforge/ratelimit/abuse"
	"github.com/quotaforge/ratelimit/bucket"
	"github.com/quotaforge/ratelimit/config"
	"github.com/quotaforge/ratelimit/decision"
	"github.com/quotaforge/ratelimit/health"
	"github.com/quotaforge/ratelimit/identity"
	"github.com/quotaforge/ratelimit/middleware"
	"github.com/quotaforge/ratelimit/override"
	"github.com/quotaforge/ratelimit/policy"
	"github.com/quotaforge/ratelimit/resilience"
	"github.com/quotaforge/ratelimit/telemetry"
)

// Application owns every long-lived resource the rate-limiting core needs:
// the Redis and Postgres connections, the policy/override caches and their
// background refresh loops, the circuit breaker and fallback limiter, the
// abuse detector, and the HTTP middleware built on top of all of it.
type Application struct {
	cfg *config.Config

	redisClient redis.UniversalClient

	Metrics *telemetry.Metrics

	policyStore   *policy.Store
	policyCache   *policy.Cache
	overrideStore *override.Store
	overrideCache *override.Cache

	engine   *bucket.Engine
	breaker  *resilience.CircuitBreaker
	fallback *resilience.Fallback
	resolver *identity.Resolver

	decisioner *decision.Decisioner
	detector   *abuse.Detector
	health     *health.Checker

	// Middleware is the net/http adapter callers mount on their router.
	Middleware *middleware.Middleware
}

// New builds an Application from cfg, connecting to Redis and Postgres and
// warming the token-bucket Lua script. It does not start any background
// loops; call Start for that.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ratelimit: invalid config: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	metrics := telemetry.New(reg)

	policyStore, err := policy.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: opening policy store: %w", err)
	}
	policyCache := policy.NewCache(policyStore, policy.CacheConfig{
		TTL:             cfg.PolicyCacheTTL,
		MaxSize:         cfg.PolicyCacheMaxSize,
		RefreshInterval: cfg.PolicyCacheRefreshInterval,
	}, metrics)

	overrideStore, err := override.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		policyStore.Close()
		return nil, fmt.Errorf("ratelimit: opening override store: %w", err)
	}
	overrideCache := override.NewCache(overrideStore, override.CacheConfig{
		TTL:     cfg.OverrideCacheTTL,
		MaxSize: cfg.OverrideCacheMaxSize,
	}, metrics)

	engine := bucket.NewEngine(redisClient, metrics)
	if err := engine.Warm(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit: warming bucket script: %w", err)
	}

	breaker := resilience.NewCircuitBreaker("redis_store", resilience.BreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Timeout:          cfg.CircuitTimeout,
	}, metrics)
	fallback := resilience.NewFallback(resilience.FallbackConfig{
		RPM:           cfg.FallbackRPM,
		BurstCapacity: cfg.FallbackBurstCapacity,
	}, metrics)

	var bearerSecret []byte
	if cfg.BearerSecret != "" {
		bearerSecret = []byte(cfg.BearerSecret)
	}
	resolver := identity.NewResolver(bearerSecret)

	decisioner := decision.New(policyCache, overrideCache, engine, breaker, fallback, resolver, metrics)

	detector, err := abuse.New(abuse.FromAppConfig(cfg), abuse.NewOverrideCreator(overrideStore, overrideCache), metrics)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: building abuse detector: %w", err)
	}

	healthChecker := health.New(health.DefaultConfig(), metrics,
		health.Probe{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
		health.Probe{Name: "postgres", Ping: policyStore.Ping},
	)

	return &Application{
		cfg:           cfg,
		redisClient:   redisClient,
		Metrics:       metrics,
		policyStore:   policyStore,
		policyCache:   policyCache,
		overrideStore: overrideStore,
		overrideCache: overrideCache,
		engine:        engine,
		breaker:       breaker,
		fallback:      fallback,
		resolver:      resolver,
		decisioner:    decisioner,
		detector:      detector,
		health:        healthChecker,
		Middleware:    middleware.New(decisioner, cfg.Mode),
	}, nil
}

// Start launches every background loop: the policy cache's refresh and
// change-stream workers, the override reaper, the fallback idle sweep, and
// the abuse detector. ctx governs their lifetime; Stop additionally closes
// the underlying connections.
func (a *Application) Start(ctx context.Context) {
	a.policyCache.Start(ctx)
	a.overrideStore.StartReaper(ctx)
	a.fallback.StartSweep()
	a.detector.Start(ctx)
	a.health.Start(ctx)
}

// Stop drains every background loop started by Start and closes the Redis
// and Postgres connections. Safe to call even if Start was never called.
func (a *Application) Stop() error {
	a.health.Stop()
	a.detector.Stop()
	a.fallback.StopSweep()
	a.overrideStore.StopReaper()
	a.policyCache.Stop()

	if err := a.redisClient.Close(); err != nil {
		return fmt.Errorf("ratelimit: closing redis client: %w", err)
	}
	a.overrideStore.Close()
	a.policyStore.Close()
	return nil
}

// Handler wraps next with the rate-limiting middleware, a convenience for
// callers who don't need direct access to the Middleware field.
func (a *Application) Handler(next http.Handler) http.Handler {
	return a.Middleware.Handler(next)
}
