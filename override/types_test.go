package override

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOverride_Validate(t *testing.T) {
	base := Override{
		TenantID:  "acme",
		Source:    SourceManualOperator,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	t.Run("temporary ban needs nothing extra", func(t *testing.T) {
		o := base
		o.OverrideType = TypeTemporaryBan
		require.NoError(t, o.Validate())
	})

	t.Run("penalty multiplier out of range rejected", func(t *testing.T) {
		o := base
		o.OverrideType = TypePenaltyMultiplier
		bad := 1.5
		o.PenaltyMultiplier = &bad
		require.Error(t, o.Validate())
	})

	t.Run("custom limit requires rate and burst", func(t *testing.T) {
		o := base
		o.OverrideType = TypeCustomLimit
		require.Error(t, o.Validate())
	})

	t.Run("expires before created rejected", func(t *testing.T) {
		o := base
		o.OverrideType = TypeTemporaryBan
		o.ExpiresAt = o.CreatedAt.Add(-time.Minute)
		require.Error(t, o.Validate())
	})
}

func TestOverride_ShapeAndRank(t *testing.T) {
	user, endpoint := "u1", "/v1/foo"

	cases := []struct {
		name  string
		o     Override
		shape string
	}{
		{"tenant wide", Override{}, "tenant"},
		{"user scoped", Override{UserID: &user}, "user"},
		{"endpoint scoped", Override{Endpoint: &endpoint}, "endpoint"},
		{"user+endpoint scoped", Override{UserID: &user, Endpoint: &endpoint}, "user_endpoint"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.shape, c.o.Shape())
		})
	}

	require.Less(t, (Override{UserID: &user, Endpoint: &endpoint}).Rank(), (Override{UserID: &user}).Rank())
	require.Less(t, (Override{UserID: &user}).Rank(), (Override{}).Rank())
	require.Less(t, (Override{Endpoint: &endpoint}).Rank(), (Override{}).Rank())
}

func TestOverride_Matches(t *testing.T) {
	user, endpoint := "u1", "/v1/foo"
	other := "u2"

	tenantWide := Override{}
	require.True(t, tenantWide.Matches(&user, &endpoint))
	require.True(t, tenantWide.Matches(nil, nil))

	userScoped := Override{UserID: &user}
	require.True(t, userScoped.Matches(&user, &endpoint))
	require.False(t, userScoped.Matches(&other, &endpoint))

	userEndpointScoped := Override{UserID: &user, Endpoint: &endpoint}
	require.True(t, userEndpointScoped.Matches(&user, &endpoint))
	require.False(t, userEndpointScoped.Matches(&user, nil))
}
