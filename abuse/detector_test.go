package abuse

import (
	"context"
	"testing"
	"time"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/quotaforge/ratelimit/config"
	"github.com/quotaforge/ratelimit/override"
	"github.com/quotaforge/ratelimit/telemetry"
)

type fakeQuerier struct {
	ratios map[string]float64
	err    error
}

func (f fakeQuerier) Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	vec := make(model.Vector, 0, len(f.ratios))
	for tenant, ratio := range f.ratios {
		vec = append(vec, &model.Sample{
			Metric: model.Metric{"tenant_id": model.LabelValue(tenant)},
			Value:  model.SampleValue(ratio),
		})
	}
	return vec, nil, nil
}

type fakeOverrides struct {
	active  map[string]bool
	created []override.Override
}

func (f *fakeOverrides) Create(ctx context.Context, o override.Override) (override.Override, error) {
	f.created = append(f.created, o)
	return o, nil
}

func (f *fakeOverrides) HasActiveForTenant(ctx context.Context, tenantID string) (bool, error) {
	return f.active[tenantID], nil
}

func newTestDetector(cfg Config, q promQuerier, ov *fakeOverrides) *Detector {
	return &Detector{
		cfg:       cfg,
		overrides: ov,
		metrics:   telemetry.New(prometheus.NewRegistry()),
		promAPI:   q,
		stopCh:    make(chan struct{}),
	}
}

func baseConfig() Config {
	return Config{
		Enabled:           true,
		ThrottleThreshold: 0.5,
		WindowMinutes:     5,
		PenaltyDuration:   time.Hour,
		PenaltyType:       config.PenaltyAdaptive,
		PenaltyMultiplier: 0.2,
	}
}

func TestDetector_FlagsTenantsAboveThreshold(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{}}
	q := fakeQuerier{ratios: map[string]float64{"acme": 0.9, "quiet-tenant": 0.1}}
	d := newTestDetector(baseConfig(), q, ov)

	d.runOnce(context.Background())

	require.Len(t, ov.created, 1)
	require.Equal(t, "acme", ov.created[0].TenantID)
	require.Equal(t, override.TypePenaltyMultiplier, ov.created[0].OverrideType)
}

func TestDetector_SkipsTenantsWithActiveOverride(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{"acme": true}}
	q := fakeQuerier{ratios: map[string]float64{"acme": 0.95}}
	d := newTestDetector(baseConfig(), q, ov)

	d.runOnce(context.Background())

	require.Empty(t, ov.created, "a tenant already under an override must not be re-flagged")
}

func TestDetector_HighSeverityHalvesAdaptivePenalty(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{}}
	cfg := baseConfig()
	q := fakeQuerier{ratios: map[string]float64{"acme": 0.99}} // > highSeverityRatio
	d := newTestDetector(cfg, q, ov)

	d.runOnce(context.Background())

	require.Len(t, ov.created, 1)
	require.NotNil(t, ov.created[0].PenaltyMultiplier)
	require.InDelta(t, cfg.PenaltyMultiplier/2, *ov.created[0].PenaltyMultiplier, 1e-9)
}

func TestDetector_FixedPenaltyIgnoresSeverity(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{}}
	cfg := baseConfig()
	cfg.PenaltyType = config.PenaltyFixed
	q := fakeQuerier{ratios: map[string]float64{"acme": 0.99}}
	d := newTestDetector(cfg, q, ov)

	d.runOnce(context.Background())

	require.Len(t, ov.created, 1)
	require.InDelta(t, cfg.PenaltyMultiplier, *ov.created[0].PenaltyMultiplier, 1e-9)
}

func TestDetector_QueryErrorRecordsFailureStatus(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{}}
	q := fakeQuerier{err: context.DeadlineExceeded}
	d := newTestDetector(baseConfig(), q, ov)

	d.runOnce(context.Background())

	require.Empty(t, ov.created)
}

func TestDetector_DisabledStartIsNoop(t *testing.T) {
	ov := &fakeOverrides{active: map[string]bool{}}
	cfg := baseConfig()
	cfg.Enabled = false
	q := fakeQuerier{ratios: map[string]float64{"acme": 0.99}}
	d := newTestDetector(cfg, q, ov)

	d.Start(context.Background())
	defer d.Stop()

	require.Empty(t, ov.created)
}
