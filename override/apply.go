package override

import (
	"time"

	"github.com/quotaforge/ratelimit/policy"
)

// Applied is the outcome of applying an override to a tenant policy snapshot
// (spec §4.4). Ban is set when the override is a temporary_ban: the
// decisioner short-circuits to a hard deny without evaluating any bucket,
// using ExpiresAt to compute retry_after_s.
type Applied struct {
	Policy    policy.TenantPolicy
	Ban       bool
	ExpiresAt time.Time
}

// Apply transforms tp in memory according to o — never persisted, discarded
// after the request (spec §4.6 step 3). tp is not mutated; a modified copy is
// returned.
func Apply(tp policy.TenantPolicy, o Override) Applied {
	switch o.OverrideType {
	case TypeTemporaryBan:
		return Applied{Policy: tp, Ban: true, ExpiresAt: o.ExpiresAt}

	case TypePenaltyMultiplier:
		cp := tp.Clone()
		m := *o.PenaltyMultiplier
		scopeToUser := o.UserID != nil
		if !scopeToUser {
			cp.TenantGlobal = cp.TenantGlobal.Scale(m)
			for ep, bp := range cp.TenantEndpoints {
				cp.TenantEndpoints[ep] = bp.Scale(m)
			}
		}
		if cp.UserGlobal != nil {
			scaled := cp.UserGlobal.Scale(m)
			cp.UserGlobal = &scaled
		}
		for ep, bp := range cp.UserEndpoints {
			cp.UserEndpoints[ep] = bp.Scale(m)
		}
		return Applied{Policy: cp}

	case TypeCustomLimit:
		cp := tp.Clone()
		custom := policy.BucketPolicy{
			RPM:              *o.CustomRate,
			RPS:              float64(*o.CustomRate) / 60.0,
			BurstCapacity:    *o.CustomBurst,
			RefillRatePerSec: float64(*o.CustomRate) / 60.0,
		}
		switch {
		case o.UserID != nil && o.Endpoint != nil:
			if cp.UserEndpoints == nil {
				cp.UserEndpoints = map[string]policy.BucketPolicy{}
			}
			cp.UserEndpoints[*o.Endpoint] = custom
		case o.UserID != nil:
			cp.UserGlobal = &custom
		case o.Endpoint != nil:
			if cp.TenantEndpoints == nil {
				cp.TenantEndpoints = map[string]policy.BucketPolicy{}
			}
			cp.TenantEndpoints[*o.Endpoint] = custom
		default:
			cp.TenantGlobal = custom
		}
		return Applied{Policy: cp}
	}
	return Applied{Policy: tp}
}
