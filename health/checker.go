// Package health actively probes the Redis and Postgres dependencies on a
// timer and records the result as a metric, independent of whether live
// traffic is currently exercising those dependencies (spec §4.10's
// dependency_healthy gauge).
package health

import (
	"context"
	"time"

	"github.com/quotaforge/ratelimit/telemetry"
)

// Config controls probe cadence and per-probe timeout.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig matches spec §6's health_check defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// Probe checks one dependency's reachability.
type Probe struct {
	Name string
	Ping func(ctx context.Context) error
}

// Checker runs every registered Probe on a shared ticker and records
// success/failure to telemetry.Metrics.DependencyHealthy.
type Checker struct {
	cfg     Config
	probes  []Probe
	metrics *telemetry.Metrics
	stopCh  chan struct{}
}

// New constructs a Checker over the given probes.
func New(cfg Config, metrics *telemetry.Metrics, probes ...Probe) *Checker {
	return &Checker{
		cfg:     cfg,
		probes:  probes,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background probe loop. A no-op if Interval <= 0.
func (c *Checker) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		c.runAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runAll(ctx)
			}
		}
	}()
}

// Stop ends the background probe loop.
func (c *Checker) Stop() {
	close(c.stopCh)
}

func (c *Checker) runAll(ctx context.Context) {
	for _, p := range c.probes {
		c.runOne(ctx, p)
	}
}

func (c *Checker) runOne(ctx context.Context, p Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	healthy := 0.0
	if err := p.Ping(probeCtx); err == nil {
		healthy = 1.0
	}
	if c.metrics != nil {
		c.metrics.DependencyHealthy.WithLabelValues(p.Name).Set(healthy)
	}
}
