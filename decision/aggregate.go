package decision

import "github.com/quotaforge/ratelimit/telemetry"

var scopeRank = func() map[Scope]int {
	m := make(map[Scope]int, len(ScopeOrder))
	for i, s := range ScopeOrder {
		m[s] = i
	}
	return m
}()

// aggregate picks the limiting scope from a set of outcomes: max severity
// wins, ties broken by ScopeOrder (most specific scope reported first,
// spec §4.6 step 5).
func aggregate(outcomes []ScopeOutcome) Decision {
	if len(outcomes) == 0 {
		return Decision{Allowed: true, Result: telemetry.ResultAllowed}
	}

	winner := outcomes[0]
	for _, o := range outcomes[1:] {
		if o.Severity > winner.Severity {
			winner = o
			continue
		}
		if o.Severity == winner.Severity && scopeRank[o.Scope] < scopeRank[winner.Scope] {
			winner = o
		}
	}

	result := telemetry.ResultAllowed
	switch winner.Severity {
	case SeverityHard:
		result = telemetry.ResultThrottledHard
	case SeveritySoft:
		result = telemetry.ResultThrottledSoft
	}

	return Decision{
		Allowed:    winner.Severity != SeverityHard,
		Result:     result,
		Scope:      winner.Scope,
		Limit:      winner.Limit,
		Remaining:  winner.Remaining,
		ResetAt:    winner.ResetAt,
		RetryAfter: winner.RetryAfter,
	}
}
