// Package config loads the flat, typed configuration record used to construct
// the rate-limiter Application. All options named in the specification's
// external-interfaces section live here as a single struct loaded from the
// environment, validated once at construction instead of at request time.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Mode selects how the middleware reacts to a hard-deny decision.
type Mode string

const (
	ModeShadow      Mode = "shadow"
	ModeLogging     Mode = "logging"
	ModeEnforcement Mode = "enforcement"
)

// PenaltyType selects how the abuse detector sizes its penalty. The detector
// always installs a penalty_multiplier override: adaptive halves the
// multiplier for high-severity tenants, fixed uses it unchanged. Neither type
// installs a custom_limit override.
type PenaltyType string

const (
	PenaltyAdaptive PenaltyType = "adaptive"
	PenaltyFixed    PenaltyType = "fixed"
)

// Config is the complete flat configuration for the rate-limiting core.
type Config struct {
	Mode Mode `env:"RATE_LIMIT_MODE" envDefault:"enforcement"`

	RedisURL         string        `env:"RATE_LIMIT_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	StoreTimeout     time.Duration `env:"RATE_LIMIT_STORE_TIMEOUT_MS" envDefault:"100ms"`
	PostgresDSN      string        `env:"RATE_LIMIT_POSTGRES_DSN" envDefault:"postgres://localhost:5432/quotaforge?sslmode=disable"`

	CircuitFailureThreshold int32         `env:"RATE_LIMIT_CB_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitTimeout          time.Duration `env:"RATE_LIMIT_CB_TIMEOUT_MS" envDefault:"60000ms"`
	CircuitSuccessThreshold int32         `env:"RATE_LIMIT_CB_SUCCESS_THRESHOLD" envDefault:"2"`

	FallbackRPM            int `env:"RATE_LIMIT_FALLBACK_RPM" envDefault:"60"`
	FallbackBurstCapacity  int `env:"RATE_LIMIT_FALLBACK_BURST_CAPACITY" envDefault:"10"`

	PolicyCacheTTL             time.Duration `env:"RATE_LIMIT_POLICY_CACHE_TTL_MS" envDefault:"60000ms"`
	PolicyCacheMaxSize         int           `env:"RATE_LIMIT_POLICY_CACHE_MAX_SIZE" envDefault:"10000"`
	PolicyCacheRefreshInterval time.Duration `env:"RATE_LIMIT_POLICY_CACHE_REFRESH_MS" envDefault:"30000ms"`

	OverrideCacheTTL     time.Duration `env:"RATE_LIMIT_OVERRIDE_CACHE_TTL_MS" envDefault:"30000ms"`
	OverrideCacheMaxSize int           `env:"RATE_LIMIT_OVERRIDE_CACHE_MAX_SIZE" envDefault:"10000"`

	AbuseEnabled            bool          `env:"RATE_LIMIT_ABUSE_ENABLED" envDefault:"true"`
	AbuseCheckInterval      time.Duration `env:"RATE_LIMIT_ABUSE_CHECK_INTERVAL_MS" envDefault:"60000ms"`
	AbuseThrottleThreshold  float64       `env:"RATE_LIMIT_ABUSE_THROTTLE_THRESHOLD" envDefault:"0.8"`
	AbuseWindowMinutes      int           `env:"RATE_LIMIT_ABUSE_WINDOW_MINUTES" envDefault:"5"`
	AbusePenaltyDuration    time.Duration `env:"RATE_LIMIT_ABUSE_PENALTY_DURATION_MS" envDefault:"300000ms"`
	AbusePenaltyType        PenaltyType   `env:"RATE_LIMIT_ABUSE_PENALTY_TYPE" envDefault:"adaptive"`
	AbusePenaltyMultiplier  float64       `env:"RATE_LIMIT_ABUSE_PENALTY_MULTIPLIER" envDefault:"0.1"`

	TelemetryPrometheusURL string `env:"RATE_LIMIT_TELEMETRY_PROMETHEUS_URL" envDefault:"http://localhost:9090"`

	// BearerSecret, when set, is used to verify bearer-token claims with HMAC.
	// When empty, bearer tokens are only structurally decoded (never trusted).
	BearerSecret string `env:"RATE_LIMIT_BEARER_SECRET"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the ranges spec.md requires of the external configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeShadow, ModeLogging, ModeEnforcement:
	default:
		return fmt.Errorf("rate_limit.mode must be shadow, logging, or enforcement, got %q", c.Mode)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store.timeout_ms must be positive")
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.timeout_ms must be positive")
	}
	if c.CircuitSuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}
	if c.FallbackRPM <= 0 {
		return fmt.Errorf("fallback.rpm must be positive")
	}
	if c.PolicyCacheTTL <= 0 || c.PolicyCacheMaxSize <= 0 || c.PolicyCacheRefreshInterval <= 0 {
		return fmt.Errorf("policy_cache settings must be positive")
	}
	if c.OverrideCacheTTL <= 0 || c.OverrideCacheMaxSize <= 0 {
		return fmt.Errorf("override_cache settings must be positive")
	}
	if c.AbuseThrottleThreshold <= 0 || c.AbuseThrottleThreshold > 1 {
		return fmt.Errorf("abuse.throttle_threshold must be in (0,1]")
	}
	if c.AbuseWindowMinutes <= 0 {
		return fmt.Errorf("abuse.window_minutes must be positive")
	}
	switch c.AbusePenaltyType {
	case PenaltyAdaptive, PenaltyFixed:
	default:
		return fmt.Errorf("abuse.penalty_type must be adaptive or fixed, got %q", c.AbusePenaltyType)
	}
	if c.AbusePenaltyMultiplier <= 0 || c.AbusePenaltyMultiplier > 1 {
		return fmt.Errorf("abuse.penalty_multiplier must be in (0,1]")
	}
	return nil
}
