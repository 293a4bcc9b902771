package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketPolicy_Normalize(t *testing.T) {
	bp := BucketPolicy{RPM: 120, BurstCapacity: 10}
	bp.Normalize()
	require.Equal(t, 2.0, bp.RefillRatePerSec)
	require.Equal(t, 2.0, bp.RPS)
}

func TestBucketPolicy_Validate(t *testing.T) {
	valid := BucketPolicy{RPM: 60, RefillRatePerSec: 1, BurstCapacity: 5}
	require.NoError(t, valid.Validate())

	tooSmallBurst := BucketPolicy{RPM: 600, RefillRatePerSec: 10, BurstCapacity: 1}
	require.Error(t, tooSmallBurst.Validate())
}

func TestBucketPolicy_Scale_FloorsToOneToken(t *testing.T) {
	bp := BucketPolicy{RPM: 10, RPS: 1, BurstCapacity: 2, RefillRatePerSec: 1}
	scaled := bp.Scale(0.01)
	require.GreaterOrEqual(t, scaled.RPM, 1)
	require.GreaterOrEqual(t, scaled.BurstCapacity, 1)
	require.GreaterOrEqual(t, scaled.RefillRatePerSec, 1.0/60.0)
}

func TestThrottleConfig_EffectiveSoftPct(t *testing.T) {
	require.Equal(t, 100.0, ThrottleConfig{HardThresholdPct: 100}.EffectiveSoftPct())
	require.Equal(t, 80.0, ThrottleConfig{HardThresholdPct: 100, SoftThresholdPct: 80}.EffectiveSoftPct())
}

func TestThrottleConfig_Validate(t *testing.T) {
	require.NoError(t, ThrottleConfig{HardThresholdPct: 100, SoftThresholdPct: 80}.Validate())
	require.Error(t, ThrottleConfig{HardThresholdPct: 80, SoftThresholdPct: 90}.Validate())
	require.Error(t, ThrottleConfig{HardThresholdPct: 0}.Validate())
}

func TestTenantPolicy_Clone_IsDeep(t *testing.T) {
	userGlobal := BucketPolicy{RPM: 60, BurstCapacity: 5}
	tp := TenantPolicy{
		TenantID:      "acme",
		UserGlobal:    &userGlobal,
		TenantGlobal:  BucketPolicy{RPM: 600, BurstCapacity: 20},
		UserEndpoints: map[string]BucketPolicy{"/v1/foo": {RPM: 30, BurstCapacity: 2}},
	}

	cp := tp.Clone()
	cp.UserGlobal.RPM = 999
	cp.UserEndpoints["/v1/foo"] = BucketPolicy{RPM: 999}

	require.Equal(t, 60, tp.UserGlobal.RPM, "mutating the clone must not affect the original")
	require.Equal(t, 30, tp.UserEndpoints["/v1/foo"].RPM)
}

func TestDefaultGlobalPolicy_IsPermissive(t *testing.T) {
	gp := DefaultGlobalPolicy()
	require.NoError(t, gp.Validate())
	require.Greater(t, gp.System.RPM, 100_000)
}
