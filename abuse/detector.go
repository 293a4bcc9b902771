// Package abuse implements the periodic abuse-detection loop (spec §4.11):
// query a Prometheus-compatible API for each tenant's throttled-request
// ratio, classify severity, and install a time-bounded penalty_multiplier
// override for tenants that don't already have one.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/quotaforge/ratelimit/config"
	"github.com/quotaforge/ratelimit/override"
	"github.com/quotaforge/ratelimit/telemetry"
)

// OverrideCreator is the subset of override.Cache the detector depends on,
// kept as an interface so tests can substitute a fake without a real store.
type OverrideCreator interface {
	Create(ctx context.Context, o override.Override) (override.Override, error)
	HasActiveForTenant(ctx context.Context, tenantID string) (bool, error)
}

// storeOverrideCreator adapts *override.Store (which has HasActiveForTenant
// but not the cache's Create-plus-invalidate) and *override.Cache
// (Create-plus-invalidate but no HasActiveForTenant passthrough is needed
// here) behind the single interface the detector wants.
type storeOverrideCreator struct {
	store *override.Store
	cache *override.Cache
}

func (s storeOverrideCreator) Create(ctx context.Context, o override.Override) (override.Override, error) {
	return s.cache.Create(ctx, o)
}

func (s storeOverrideCreator) HasActiveForTenant(ctx context.Context, tenantID string) (bool, error) {
	return s.store.HasActiveForTenant(ctx, tenantID)
}

// NewOverrideCreator builds the detector's OverrideCreator from the
// already-wired override store and cache.
func NewOverrideCreator(store *override.Store, cache *override.Cache) OverrideCreator {
	return storeOverrideCreator{store: store, cache: cache}
}

// promQuerier is the slice of promv1.API the detector actually uses, kept
// narrow so tests can fake it without a real Prometheus server.
type promQuerier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// Detector runs the periodic abuse-check loop.
type Detector struct {
	cfg       Config
	overrides OverrideCreator
	metrics   *telemetry.Metrics
	promAPI   promQuerier

	running atomic.Bool
	stopCh  chan struct{}
}

// New constructs a Detector. cfg.PrometheusURL is the Prometheus-compatible
// HTTP API base URL to query tenant request-rate series from.
func New(cfg Config, overrides OverrideCreator, metrics *telemetry.Metrics) (*Detector, error) {
	client, err := promapi.NewClient(promapi.Config{Address: cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("abuse: building prometheus client: %w", err)
	}
	return &Detector{
		cfg:       cfg,
		overrides: overrides,
		metrics:   metrics,
		promAPI:   promv1.NewAPI(client),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the background loop. A no-op when cfg.Enabled is false
// (spec §4.11's kill switch).
func (d *Detector) Start(ctx context.Context) {
	if !d.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(d.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.runOnce(ctx)
			}
		}
	}()
}

// Stop ends the background loop.
func (d *Detector) Stop() {
	close(d.stopCh)
}

func (d *Detector) runOnce(ctx context.Context) {
	// One-in-flight-run guard: a slow Prometheus query should never cause
	// overlapping runs to stack up.
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	status := "ok"
	defer func() {
		if d.metrics != nil {
			d.metrics.AbuseJobRuns.WithLabelValues(status).Inc()
		}
	}()

	ratios, err := d.queryThrottleRatios(ctx)
	if err != nil {
		status = "query_failed"
		slog.Warn("abuse detector query failed", "error", err)
		return
	}

	for tenantID, ratio := range ratios {
		if ratio < d.cfg.ThrottleThreshold {
			continue
		}
		if err := d.flagTenant(ctx, tenantID, ratio); err != nil {
			slog.Warn("abuse detector failed to flag tenant", "tenant_id", tenantID, "error", err)
		}
	}
}

// queryThrottleRatios computes, per tenant, the fraction of recent decisions
// that were hard-throttled over the configured window.
func (d *Detector) queryThrottleRatios(ctx context.Context) (map[string]float64, error) {
	window := fmt.Sprintf("%dm", d.cfg.WindowMinutes)
	query := fmt.Sprintf(
		`sum by (tenant_id) (rate(requests_total{result="throttled_hard"}[%s])) / sum by (tenant_id) (rate(requests_total[%s]))`,
		window, window,
	)

	val, _, err := d.promAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("abuse: querying prometheus: %w", err)
	}

	vector, ok := val.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("abuse: unexpected prometheus result type %T", val)
	}

	ratios := make(map[string]float64, len(vector))
	for _, sample := range vector {
		tenantID := string(sample.Metric["tenant_id"])
		if tenantID == "" {
			continue
		}
		ratios[tenantID] = float64(sample.Value)
	}
	return ratios, nil
}

func (d *Detector) flagTenant(ctx context.Context, tenantID string, ratio float64) error {
	hasOverride, err := d.overrides.HasActiveForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("checking existing override: %w", err)
	}
	if hasOverride {
		// spec §4.11: don't stack a new penalty on a tenant already
		// under one, auto-detected or manual.
		return nil
	}

	severity := "medium"
	if ratio > highSeverityRatio {
		severity = "high"
	}

	multiplier := d.cfg.PenaltyMultiplier
	if d.cfg.PenaltyType == config.PenaltyAdaptive && severity == "high" {
		multiplier = multiplier / 2 // adaptive: a worse offender gets a harsher penalty
	}

	if d.metrics != nil {
		d.metrics.AbuseFlags.WithLabelValues(tenantID, severity).Inc()
	}

	_, err = d.overrides.Create(ctx, override.Override{
		TenantID:          tenantID,
		OverrideType:      override.TypePenaltyMultiplier,
		PenaltyMultiplier: &multiplier,
		Reason:            fmt.Sprintf("auto-detected abuse: throttle ratio %.2f over %dm window (severity=%s)", ratio, d.cfg.WindowMinutes, severity),
		Source:            override.SourceAutoDetector,
		CreatedAt:         time.Now(),
		ExpiresAt:         time.Now().Add(d.cfg.PenaltyDuration),
	})
	return err
}
