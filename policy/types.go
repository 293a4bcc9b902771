// Package policy implements the persistent policy model (spec §3, §4.3):
// BucketPolicy/ThrottleConfig/TenantPolicy/GlobalPolicy, a pgx-backed store
// adapter, and an LRU+TTL cache with background refresh and change-stream
// invalidation.
package policy

import (
	"fmt"

	"github.com/quotaforge/ratelimit/utils"
)

// BucketPolicy is the semantic quadruple (rpm, rps, burst_capacity,
// refill_rate_per_sec) spec §3 defines. RefillRatePerSec is derived from RPM
// when not supplied by the caller.
type BucketPolicy struct {
	RPM                int     `json:"rpm"`
	RPS                float64 `json:"rps"`
	BurstCapacity      int     `json:"burst_capacity"`
	RefillRatePerSec   float64 `json:"refill_rate_per_sec"`
}

// Normalize fills RefillRatePerSec from RPM when it is zero, matching the
// policy cache's normalization contract (spec §4.3).
func (b *BucketPolicy) Normalize() {
	if b.RefillRatePerSec == 0 && b.RPM > 0 {
		b.RefillRatePerSec = float64(b.RPM) / 60.0
	}
	if b.RPS == 0 && b.RPM > 0 {
		b.RPS = float64(b.RPM) / 60.0
	}
}

// Validate enforces the BucketPolicy invariant: all four values positive and
// burst_capacity at least one second of refill capacity.
func (b BucketPolicy) Validate() error {
	if b.RPM <= 0 {
		return fmt.Errorf("bucket policy rpm must be positive, got %d", b.RPM)
	}
	if b.RefillRatePerSec <= 0 {
		return fmt.Errorf("bucket policy refill_rate_per_sec must be positive, got %f", b.RefillRatePerSec)
	}
	if b.BurstCapacity <= 0 {
		return fmt.Errorf("bucket policy burst_capacity must be positive, got %d", b.BurstCapacity)
	}
	minBurst := float64(b.RPM) / 60.0
	if float64(b.BurstCapacity) < minBurst {
		return fmt.Errorf("bucket policy burst_capacity (%d) must be at least one second of capacity (%.2f)", b.BurstCapacity, minBurst)
	}
	return nil
}

// Scale returns a copy of b scaled by m, flooring collapsed values to 1 token
// (spec §4.4 penalty_multiplier application).
func (b BucketPolicy) Scale(m float64) BucketPolicy {
	scaled := BucketPolicy{
		RPM:              maxInt(1, int(float64(b.RPM)*m)),
		RPS:              maxFloat(b.RPS*m, 1.0/60.0),
		BurstCapacity:    maxInt(1, int(float64(b.BurstCapacity)*m)),
		RefillRatePerSec: maxFloat(b.RefillRatePerSec*m, 1.0/60.0),
	}
	return scaled
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ThrottleConfig holds the soft/hard usage thresholds for tenant-scoped
// checks (spec §3). SoftThresholdPct == 0 means "no soft zone": transitions
// go straight from normal to hard (spec §8 boundary behaviour).
type ThrottleConfig struct {
	HardThresholdPct float64 `json:"hard_threshold_pct"`
	SoftThresholdPct float64 `json:"soft_threshold_pct"`
}

// Validate enforces spec §3's ThrottleConfig invariants.
func (t ThrottleConfig) Validate() error {
	if t.HardThresholdPct <= 0 || t.HardThresholdPct > 200 {
		return fmt.Errorf("hard_threshold_pct must be in (0,200], got %f", t.HardThresholdPct)
	}
	if t.SoftThresholdPct != 0 {
		if t.SoftThresholdPct <= 0 || t.SoftThresholdPct > 200 {
			return fmt.Errorf("soft_threshold_pct must be in (0,200], got %f", t.SoftThresholdPct)
		}
		if t.HardThresholdPct <= t.SoftThresholdPct {
			return fmt.Errorf("hard_threshold_pct (%f) must exceed soft_threshold_pct (%f)", t.HardThresholdPct, t.SoftThresholdPct)
		}
	}
	return nil
}

// EffectiveSoftPct returns the soft threshold to use for classification: the
// configured soft value, or the hard value when no soft zone is configured.
func (t ThrottleConfig) EffectiveSoftPct() float64 {
	if t.SoftThresholdPct == 0 {
		return t.HardThresholdPct
	}
	return t.SoftThresholdPct
}

// TenantPolicy is the per-tenant policy document (spec §3), read-only on the
// hot path and cached with TTL.
type TenantPolicy struct {
	TenantID        string                  `json:"tenant_id"`
	UserGlobal      *BucketPolicy           `json:"user_global,omitempty"`
	TenantGlobal    BucketPolicy            `json:"tenant_global"`
	UserEndpoints   map[string]BucketPolicy `json:"user_endpoints,omitempty"`
	TenantEndpoints map[string]BucketPolicy `json:"tenant_endpoints,omitempty"`
	Throttle        ThrottleConfig          `json:"throttle_config"`
}

// Normalize fills missing RefillRatePerSec across every embedded BucketPolicy
// before the policy is inserted into the cache (spec §4.3).
func (t *TenantPolicy) Normalize() {
	t.TenantGlobal.Normalize()
	if t.UserGlobal != nil {
		t.UserGlobal.Normalize()
	}
	for k, v := range t.UserEndpoints {
		v.Normalize()
		t.UserEndpoints[k] = v
	}
	for k, v := range t.TenantEndpoints {
		v.Normalize()
		t.TenantEndpoints[k] = v
	}
}

// Validate validates the tenant policy document as a whole.
func (t TenantPolicy) Validate() error {
	if err := utils.ValidateKey(t.TenantID, "tenant_id"); err != nil {
		return err
	}
	if err := t.TenantGlobal.Validate(); err != nil {
		return fmt.Errorf("tenant_global: %w", err)
	}
	if t.UserGlobal != nil {
		if err := t.UserGlobal.Validate(); err != nil {
			return fmt.Errorf("user_global: %w", err)
		}
	}
	if err := t.Throttle.Validate(); err != nil {
		return fmt.Errorf("throttle_config: %w", err)
	}
	for ep, bp := range t.UserEndpoints {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("user_endpoints[%s]: %w", ep, err)
		}
	}
	for ep, bp := range t.TenantEndpoints {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("tenant_endpoints[%s]: %w", ep, err)
		}
	}
	return nil
}

// Clone returns a deep copy so overrides can be applied in memory without
// mutating the cached snapshot (spec §4.6 step 3: "never persisted").
func (t TenantPolicy) Clone() TenantPolicy {
	cp := t
	if t.UserGlobal != nil {
		ug := *t.UserGlobal
		cp.UserGlobal = &ug
	}
	if t.UserEndpoints != nil {
		cp.UserEndpoints = make(map[string]BucketPolicy, len(t.UserEndpoints))
		for k, v := range t.UserEndpoints {
			cp.UserEndpoints[k] = v
		}
	}
	if t.TenantEndpoints != nil {
		cp.TenantEndpoints = make(map[string]BucketPolicy, len(t.TenantEndpoints))
		for k, v := range t.TenantEndpoints {
			cp.TenantEndpoints[k] = v
		}
	}
	return cp
}

// GlobalPolicy is the process-wide singleton policy (spec §3).
type GlobalPolicy struct {
	System           BucketPolicy            `json:"system"`
	EndpointPolicies map[string]BucketPolicy `json:"endpoint_policies,omitempty"`
}

// Normalize fills missing RefillRatePerSec for the global policy.
func (g *GlobalPolicy) Normalize() {
	g.System.Normalize()
	for k, v := range g.EndpointPolicies {
		v.Normalize()
		g.EndpointPolicies[k] = v
	}
}

// Validate validates the global policy document.
func (g GlobalPolicy) Validate() error {
	if err := g.System.Validate(); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	for ep, bp := range g.EndpointPolicies {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("endpoint_policies[%s]: %w", ep, err)
		}
	}
	return nil
}

// DefaultGlobalPolicy is used when no global policy has been configured
// (spec §4.6 step 4: "default (large) global if absent").
func DefaultGlobalPolicy() GlobalPolicy {
	return GlobalPolicy{
		System: BucketPolicy{
			RPM:              1_000_000,
			RPS:              1_000_000.0 / 60.0,
			BurstCapacity:    2_000_000,
			RefillRatePerSec: 1_000_000.0 / 60.0,
		},
	}
}
