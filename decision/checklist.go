package decision

import (
	"fmt"

	"github.com/quotaforge/ratelimit/bucket"
	"github.com/quotaforge/ratelimit/identity"
	"github.com/quotaforge/ratelimit/policy"
)

// BuildChecklist constructs the ordered list of scope checks for one request
// (spec §4.6 step 2), skipping any scope whose policy isn't configured:
// user_global/user_endpoint only apply when the tenant policy defines them,
// and endpoint scopes only apply when that specific endpoint has a policy.
func BuildChecklist(id identity.RequestIdentity, tp policy.TenantPolicy, gp policy.GlobalPolicy) []Check {
	checks := make([]Check, 0, len(ScopeOrder))

	tenantSoft, tenantHard := tp.Throttle.EffectiveSoftPct(), tp.Throttle.HardThresholdPct

	if tp.UserGlobal != nil {
		checks = append(checks, Check{
			Scope:   ScopeUserGlobal,
			Key:     bucket.HashTagKey(id.TenantID, fmt.Sprintf("user:%s:global", id.UserID)),
			Policy:  *tp.UserGlobal,
			SoftPct: tenantSoft,
			HardPct: tenantHard,
		})
	}
	if bp, ok := tp.UserEndpoints[id.Endpoint]; ok {
		checks = append(checks, Check{
			Scope:   ScopeUserEndpoint,
			Key:     bucket.HashTagKey(id.TenantID, fmt.Sprintf("user:%s:endpoint:%s", id.UserID, id.Endpoint)),
			Policy:  bp,
			SoftPct: tenantSoft,
			HardPct: tenantHard,
		})
	}

	checks = append(checks, Check{
		Scope:   ScopeTenantGlobal,
		Key:     bucket.HashTagKey(id.TenantID, "tenant:global"),
		Policy:  tp.TenantGlobal,
		SoftPct: tenantSoft,
		HardPct: tenantHard,
	})
	if bp, ok := tp.TenantEndpoints[id.Endpoint]; ok {
		checks = append(checks, Check{
			Scope:   ScopeTenantEndpoint,
			Key:     bucket.HashTagKey(id.TenantID, fmt.Sprintf("tenant:endpoint:%s", id.Endpoint)),
			Policy:  bp,
			SoftPct: tenantSoft,
			HardPct: tenantHard,
		})
	}

	// Global checks always use the fixed soft=100/hard=110 thresholds (spec
	// §4.6 step 5), independent of any tenant's throttle_config.
	if bp, ok := gp.EndpointPolicies[id.Endpoint]; ok {
		checks = append(checks, Check{
			Scope:   ScopeGlobalEndpoint,
			Key:     fmt.Sprintf("{global}:endpoint:%s", id.Endpoint),
			Policy:  bp,
			SoftPct: globalSoftPct,
			HardPct: globalHardPct,
		})
	}
	checks = append(checks, Check{
		Scope:   ScopeGlobalSystem,
		Key:     "{global}:system",
		Policy:  gp.System,
		SoftPct: globalSoftPct,
		HardPct: globalHardPct,
	})

	return checks
}

// globalSoftPct and globalHardPct are the fixed thresholds the two global
// scopes classify against, independent of any tenant's throttle_config
// (spec §4.6 step 5).
const (
	globalSoftPct = 100.0
	globalHardPct = 110.0
)

// tenantBatch and globalBatch split a checklist by Scope.tenantScoped so the
// decisioner can pipeline the tenant-hash-tagged scopes as one batch while
// dispatching the global scopes concurrently (they live on a different
// cluster slot, spec §4.2).
func splitChecklist(checks []Check) (tenantBatch, globalBatch []Check) {
	for _, c := range checks {
		if c.Scope.tenantScoped() {
			tenantBatch = append(tenantBatch, c)
		} else {
			globalBatch = append(globalBatch, c)
		}
	}
	return tenantBatch, globalBatch
}
