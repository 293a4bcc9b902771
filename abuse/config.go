package abuse

import (
	"time"

	"github.com/quotaforge/ratelimit/config"
)

// PenaltyType mirrors config.PenaltyType for the penalty_multiplier the
// detector installs.
type PenaltyType = config.PenaltyType

// Config configures the abuse detection loop (spec §4.11, §6).
type Config struct {
	Enabled           bool
	PrometheusURL     string
	CheckInterval     time.Duration
	ThrottleThreshold float64
	WindowMinutes     int
	PenaltyDuration   time.Duration
	PenaltyType       PenaltyType
	PenaltyMultiplier float64
}

// FromAppConfig maps the abuse-related fields out of the flat app Config.
func FromAppConfig(c *config.Config) Config {
	return Config{
		Enabled:           c.AbuseEnabled,
		PrometheusURL:     c.TelemetryPrometheusURL,
		CheckInterval:     c.AbuseCheckInterval,
		ThrottleThreshold: c.AbuseThrottleThreshold,
		WindowMinutes:     c.AbuseWindowMinutes,
		PenaltyDuration:   c.AbusePenaltyDuration,
		PenaltyType:       c.AbusePenaltyType,
		PenaltyMultiplier: c.AbusePenaltyMultiplier,
	}
}

// highSeverityRatio classifies a flagged tenant's throttled-request ratio
// (spec §4.11): above it is "high", anything lower is "medium".
const highSeverityRatio = 0.8
