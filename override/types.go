// Package override implements time-bounded policy overrides (spec §3, §4.4):
// a pgx-backed store with a reaper that emulates the store-enforced
// expires_at index, and an LRU+TTL cache with precedence resolution.
package override

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the override kinds spec §3 defines.
type Type string

const (
	TypePenaltyMultiplier Type = "penalty_multiplier"
	TypeTemporaryBan      Type = "temporary_ban"
	TypeCustomLimit       Type = "custom_limit"
)

// Source records who created the override (spec §3).
type Source string

const (
	SourceAutoDetector   Source = "auto_detector"
	SourceManualOperator Source = "manual_operator"
)

// Override is a time-bounded modification of effective policy for a tenant,
// optionally narrowed to a user and/or endpoint (spec §3).
type Override struct {
	ID                uuid.UUID `json:"id"`
	TenantID          string    `json:"tenant_id"`
	UserID            *string   `json:"user_id,omitempty"`
	Endpoint          *string   `json:"endpoint,omitempty"`
	OverrideType      Type      `json:"override_type"`
	PenaltyMultiplier *float64  `json:"penalty_multiplier,omitempty"`
	CustomRate        *int      `json:"custom_rate,omitempty"`
	CustomBurst       *int      `json:"custom_burst,omitempty"`
	Reason            string    `json:"reason"`
	Source            Source    `json:"source"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Validate enforces the Override invariants spec §3 lists.
func (o Override) Validate() error {
	if o.TenantID == "" {
		return fmt.Errorf("tenant_id cannot be empty")
	}
	switch o.OverrideType {
	case TypePenaltyMultiplier:
		if o.PenaltyMultiplier == nil || *o.PenaltyMultiplier <= 0 || *o.PenaltyMultiplier > 1 {
			return fmt.Errorf("penalty_multiplier must be set and in (0,1]")
		}
	case TypeCustomLimit:
		if o.CustomRate == nil || *o.CustomRate <= 0 {
			return fmt.Errorf("custom_rate must be set and positive")
		}
		if o.CustomBurst == nil || *o.CustomBurst <= 0 {
			return fmt.Errorf("custom_burst must be set and positive")
		}
	case TypeTemporaryBan:
		// no additional fields required
	default:
		return fmt.Errorf("unknown override_type %q", o.OverrideType)
	}
	switch o.Source {
	case SourceAutoDetector, SourceManualOperator:
	default:
		return fmt.Errorf("unknown source %q", o.Source)
	}
	if !o.ExpiresAt.After(o.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	return nil
}

// Shape reports which of the four precedence shapes (spec §4.4) this
// override matches.
func (o Override) Shape() string {
	switch {
	case o.UserID != nil && o.Endpoint != nil:
		return "user_endpoint"
	case o.UserID != nil:
		return "user"
	case o.Endpoint != nil:
		return "endpoint"
	default:
		return "tenant"
	}
}

// precedence ranks shapes from most specific (0) to least (3), matching
// spec §4.4's get_active ordering.
var precedence = map[string]int{
	"user_endpoint": 0,
	"user":          1,
	"endpoint":      2,
	"tenant":        3,
}

// Rank returns the override's precedence rank; lower wins.
func (o Override) Rank() int {
	return precedence[o.Shape()]
}

// Matches reports whether this override applies to the given user/endpoint
// combination under its own shape rules.
func (o Override) Matches(userID, endpoint *string) bool {
	switch o.Shape() {
	case "user_endpoint":
		return strEq(o.UserID, userID) && strEq(o.Endpoint, endpoint)
	case "user":
		return strEq(o.UserID, userID)
	case "endpoint":
		return strEq(o.Endpoint, endpoint)
	default:
		return true
	}
}

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
