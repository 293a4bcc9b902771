// Package decision implements the core rate-limit orchestration (spec §4.6):
// building the per-request scope checklist, dispatching it against the
// bucket primitive as a hash-tagged batch plus concurrently-dispatched
// global checks, and aggregating the results into a single Decision.
package decision

import (
	"time"

	"github.com/quotaforge/ratelimit/policy"
	"github.com/quotaforge/ratelimit/telemetry"
)

// Scope identifies one of the six bucket scopes a request is checked
// against (spec §3, §4.6), ordered from most to least specific. This order
// is also the tie-break order used when aggregating severities.
type Scope string

const (
	ScopeUserGlobal      Scope = "user_global"
	ScopeUserEndpoint    Scope = "user_endpoint"
	ScopeTenantGlobal    Scope = "tenant_global"
	ScopeTenantEndpoint  Scope = "tenant_endpoint"
	ScopeGlobalEndpoint  Scope = "global_endpoint"
	ScopeGlobalSystem    Scope = "global_system"
)

// ScopeOrder is the canonical most-specific-first ordering used both to
// build the checklist and to break aggregation ties.
var ScopeOrder = []Scope{
	ScopeUserGlobal, ScopeUserEndpoint,
	ScopeTenantGlobal, ScopeTenantEndpoint,
	ScopeGlobalEndpoint, ScopeGlobalSystem,
}

// tenantScoped reports whether a scope's bucket key should be hash-tag
// partitioned under the requesting tenant (user/tenant scopes) or not
// (global scopes, which are process-wide).
func (s Scope) tenantScoped() bool {
	switch s {
	case ScopeGlobalEndpoint, ScopeGlobalSystem:
		return false
	default:
		return true
	}
}

// Check is one scope's resolved bucket key and policy, ready to be
// evaluated by the bucket engine. SoftPct/HardPct are the usage thresholds
// the primitive classifies against: tenant-scoped checks carry the tenant's
// own throttle_config, global checks carry the fixed soft=100/hard=110 (spec
// §4.6 step 5).
type Check struct {
	Scope   Scope
	Key     string
	Policy  policy.BucketPolicy
	SoftPct float64
	HardPct float64
}

// ScopeOutcome is one scope's evaluated result, annotated with its usage
// percentage and severity for aggregation.
type ScopeOutcome struct {
	Scope      Scope
	Allowed    bool
	Limit      int
	Remaining  int
	UsagePct   float64
	ResetAt    time.Time
	RetryAfter time.Duration
	Severity   Severity
}

// Severity orders outcomes for aggregation: Hard beats Soft beats None.
type Severity int

const (
	SeverityNone Severity = iota
	SeveritySoft
	SeverityHard
)

// Decision is the final verdict for one request (spec §4.6, §4.9).
type Decision struct {
	Allowed     bool
	Result      telemetry.Result
	Scope       Scope
	Limit       int
	Remaining   int
	ResetAt     time.Time
	RetryAfter  time.Duration
	Banned      bool
	FallbackUsed bool
}
