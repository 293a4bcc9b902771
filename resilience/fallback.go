package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotaforge/ratelimit/telemetry"
)

// FallbackConfig configures the local limiter used while the bucket store's
// circuit breaker is open (spec §4.8).
type FallbackConfig struct {
	RPM           int
	BurstCapacity int
}

type fallbackEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Fallback is a per-tenant in-memory token-bucket limiter
// (golang.org/x/time/rate) refilling at RPM/60 tokens per second up to
// BurstCapacity; it does not count requests over a sliding window. It is
// deliberately
// coarser than the primary bucket primitive: it exists to keep serving
// approximate decisions when Redis is unreachable, not to reproduce
// per-endpoint precision (spec §4.8).
type Fallback struct {
	cfg     FallbackConfig
	metrics *telemetry.Metrics

	mu      sync.Mutex
	tenants map[string]*fallbackEntry

	stopCh chan struct{}
}

// sweepInterval and idleTTL bound memory growth from tenants that stop
// sending traffic while the fallback is active.
const (
	sweepInterval = 5 * time.Minute
	idleTTL       = 10 * time.Minute
)

// NewFallback constructs a fallback limiter.
func NewFallback(cfg FallbackConfig, metrics *telemetry.Metrics) *Fallback {
	return &Fallback{
		cfg:     cfg,
		metrics: metrics,
		tenants: make(map[string]*fallbackEntry),
		stopCh:  make(chan struct{}),
	}
}

// Allow checks and consumes one token from tenantID's local limiter, lazily
// creating it on first use, and records a fallback_activations metric.
func (f *Fallback) Allow(tenantID string) bool {
	if f.metrics != nil {
		f.metrics.FallbackActivations.WithLabelValues("circuit_open").Inc()
	}

	f.mu.Lock()
	entry, ok := f.tenants[tenantID]
	if !ok {
		rps := float64(f.cfg.RPM) / 60.0
		entry = &fallbackEntry{limiter: rate.NewLimiter(rate.Limit(rps), f.cfg.BurstCapacity)}
		f.tenants[tenantID] = entry
	}
	entry.lastAccess = time.Now()
	f.mu.Unlock()

	return entry.limiter.Allow()
}

// StartSweep launches the background goroutine that evicts idle tenant
// entries so memory doesn't grow unbounded while the fallback stays active
// across a long outage.
func (f *Fallback) StartSweep() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.sweep()
			}
		}
	}()
}

// StopSweep stops the background sweep.
func (f *Fallback) StopSweep() {
	close(f.stopCh)
}

func (f *Fallback) sweep() {
	cutoff := time.Now().Add(-idleTTL)
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, entry := range f.tenants {
		if entry.lastAccess.Before(cutoff) {
			delete(f.tenants, id)
		}
	}
}
