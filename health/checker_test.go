package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/quotaforge/ratelimit/telemetry"
)

func gaugeValue(t *testing.T, m *telemetry.Metrics, dependency string) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.DependencyHealthy.WithLabelValues(dependency).Write(&out))
	return out.GetGauge().GetValue()
}

func TestChecker_RecordsSuccessAndFailure(t *testing.T) {
	metrics := telemetry.New(prometheus.NewRegistry())

	var failing atomic.Bool
	checker := New(Config{Interval: time.Hour, Timeout: time.Second}, metrics, Probe{
		Name: "redis",
		Ping: func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("down")
			}
			return nil
		},
	})

	checker.runAll(context.Background())
	require.Equal(t, 1.0, gaugeValue(t, metrics, "redis"))

	failing.Store(true)
	checker.runAll(context.Background())
	require.Equal(t, 0.0, gaugeValue(t, metrics, "redis"))
}

func TestChecker_ProbesMultipleDependenciesIndependently(t *testing.T) {
	metrics := telemetry.New(prometheus.NewRegistry())

	checker := New(Config{Interval: time.Hour, Timeout: time.Second}, metrics,
		Probe{Name: "redis", Ping: func(ctx context.Context) error { return nil }},
		Probe{Name: "postgres", Ping: func(ctx context.Context) error { return errors.New("down") }},
	)

	checker.runAll(context.Background())
	require.Equal(t, 1.0, gaugeValue(t, metrics, "redis"))
	require.Equal(t, 0.0, gaugeValue(t, metrics, "postgres"))
}

func TestChecker_ZeroIntervalStartIsNoop(t *testing.T) {
	metrics := telemetry.New(prometheus.NewRegistry())
	checker := New(Config{Interval: 0}, metrics, Probe{
		Name: "redis",
		Ping: func(ctx context.Context) error { return nil },
	})

	checker.Start(context.Background())
	defer checker.Stop()

	// No probe should have run yet; the gauge stays at its zero-value default.
	require.Equal(t, 0.0, gaugeValue(t, metrics, "redis"))
}
