package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEngine(client, nil), mr
}

func TestCheck_AllowsWithinCapacity(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Warm(ctx))

	req := Request{Key: "bucket:t1", Capacity: 10, RefillRatePerSec: 1, SoftPct: 100, HardPct: 110}
	for i := 0; i < 10; i++ {
		res, err := e.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed", i)
	}

	res, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCheck_RefillsOverTime(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	req := Request{Key: "bucket:t2", Capacity: 5, RefillRatePerSec: 5, SoftPct: 100, HardPct: 110}
	for i := 0; i < 5; i++ {
		res, err := e.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Refill is computed from the caller's wall clock, not the server's.
	time.Sleep(time.Second)

	res, err = e.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheck_NeverExceedsCapacity(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	req := Request{Key: "bucket:t3", Capacity: 3, RefillRatePerSec: 1, SoftPct: 100, HardPct: 110}
	res, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.LessOrEqual(t, res.TokensRemaining, 3)

	mr.FastForward(time.Hour)

	res, err = e.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.LessOrEqual(t, res.TokensRemaining, 3)
}

func TestCheck_DeniesWithoutMutatingStore(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	req := Request{Key: "bucket:t5", Capacity: 1, RefillRatePerSec: 0.001, SoftPct: 100, HardPct: 110}
	res, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.TokensRemaining)

	denied, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	// A second denial immediately after should observe the same remaining
	// count: a denied check must never mutate the stored bucket state.
	denied2, err := e.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, denied2.Allowed)
	require.Equal(t, denied.TokensRemaining, denied2.TokensRemaining)
}

func TestCheck_SoftStateAllowsBetweenThresholds(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	req := Request{Key: "bucket:t6", Capacity: 10, RefillRatePerSec: 0, SoftPct: 50, HardPct: 100}
	var last Result
	for i := 0; i < 6; i++ {
		res, err := e.Check(ctx, req)
		require.NoError(t, err)
		last = res
	}
	require.True(t, last.Allowed)
	require.Equal(t, StateSoft, last.State)
}

func TestCheckBatch_PipelinesMultipleScopes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	reqs := []Request{
		{Key: HashTagKey("acme", "user:u1"), Capacity: 2, RefillRatePerSec: 1, SoftPct: 100, HardPct: 110},
		{Key: HashTagKey("acme", "tenant:global"), Capacity: 100, RefillRatePerSec: 10, SoftPct: 100, HardPct: 110},
	}
	results, err := e.CheckBatch(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Allowed)
	require.True(t, results[1].Allowed)
}

func TestCheckBatch_ReloadsScriptAfterFlush(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Warm(ctx))
	mr.ScriptFlush()

	reqs := []Request{{Key: "bucket:t4", Capacity: 5, RefillRatePerSec: 1, SoftPct: 100, HardPct: 110}}
	results, err := e.CheckBatch(ctx, reqs)
	require.NoError(t, err)
	require.True(t, results[0].Allowed)
}
