// Package bucket implements the atomic token-bucket primitive (spec §4.1,
// §4.2): a Lua script evaluated server-side in Redis so check-and-consume is
// race-free under concurrent requests, with hash-tag partitioning so a
// multi-scope batch check collocates to one Redis Cluster slot and can be
// pipelined as a single round trip.
package bucket

import (
	"context"
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaforge/ratelimit/rlerrors"
	"github.com/quotaforge/ratelimit/telemetry"
	"github.com/quotaforge/ratelimit/utils/builderpool"
)

//go:embed bucket.lua
var bucketScript string

var bucketScriptSHA = func() string {
	sum := sha1.Sum([]byte(bucketScript))
	return hex.EncodeToString(sum[:])
}()

// Engine evaluates bucket checks against Redis (spec §4.1).
type Engine struct {
	client  redis.UniversalClient
	metrics *telemetry.Metrics
}

// NewEngine wraps an already-connected client.
func NewEngine(client redis.UniversalClient, metrics *telemetry.Metrics) *Engine {
	return &Engine{client: client, metrics: metrics}
}

// Warm loads the bucket script into Redis's script cache so the first real
// check doesn't pay a NOSCRIPT round trip.
func (e *Engine) Warm(ctx context.Context) error {
	sha, err := e.client.ScriptLoad(ctx, bucketScript).Result()
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "bucket:Warm", err)
	}
	if sha != bucketScriptSHA {
		return rlerrors.Wrap(rlerrors.ErrInternal, "bucket:Warm", fmt.Errorf("unexpected script sha %s", sha))
	}
	return nil
}

// HashTagKey wraps a tenant id in Redis Cluster hash-tag braces so every key
// derived from it (across all scopes) lands on the same cluster slot,
// letting a batch check pipeline instead of scatter-gathering (spec §4.2).
func HashTagKey(tenantID, rest string) string {
	sb := builderpool.Get()
	defer builderpool.Put(sb)
	sb.WriteString("{tenant:")
	sb.WriteString(tenantID)
	sb.WriteString("}:")
	sb.WriteString(rest)
	return sb.String()
}

// Check evaluates a single bucket.
func (e *Engine) Check(ctx context.Context, req Request) (Result, error) {
	now := time.Now()
	res, err := e.eval(ctx, e.client, req, now)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// CheckBatch evaluates multiple bucket requests as one pipelined round trip.
// Callers are expected to have partitioned req.Key with HashTagKey so all
// keys in the batch share a cluster slot.
func (e *Engine) CheckBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	now := time.Now()

	pipe := e.client.Pipeline()
	cmds := make([]*redis.Cmd, len(reqs))
	for i, req := range reqs {
		cmds[i] = e.evalShaCmd(ctx, pipe, req, now)
	}
	_, err := pipe.Exec(ctx)

	if err != nil && isNoScript(err) {
		if loadErr := e.Warm(ctx); loadErr != nil {
			return nil, loadErr
		}
		pipe = e.client.Pipeline()
		for i, req := range reqs {
			cmds[i] = e.evalShaCmd(ctx, pipe, req, now)
		}
		_, err = pipe.Exec(ctx)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "bucket:CheckBatch", err)
	}

	results := make([]Result, len(reqs))
	for i, cmd := range cmds {
		res, cmdErr := parseResult(cmd, reqs[i])
		if cmdErr != nil {
			return nil, cmdErr
		}
		results[i] = res
	}
	return results, nil
}

func (e *Engine) eval(ctx context.Context, rdb redis.Cmdable, req Request, now time.Time) (Result, error) {
	cmd := e.evalShaCmd(ctx, rdb, req, now)
	if err := cmd.Err(); err != nil {
		if isNoScript(err) {
			if loadErr := e.Warm(ctx); loadErr != nil {
				return Result{}, loadErr
			}
			cmd = e.evalShaCmd(ctx, rdb, req, now)
		}
	}
	return parseResult(cmd, req)
}

func (e *Engine) evalShaCmd(ctx context.Context, rdb redis.Cmdable, req Request, now time.Time) *redis.Cmd {
	ttlSeconds := int64(ttlFor(req.Capacity, req.RefillRatePerSec).Seconds())
	return rdb.EvalSha(ctx, bucketScriptSHA, []string{req.Key},
		req.Capacity, req.RefillRatePerSec, now.UnixMilli(), req.SoftPct, req.HardPct, ttlSeconds)
}

func parseResult(cmd *redis.Cmd, req Request) (Result, error) {
	if err := cmd.Err(); err != nil {
		if isNoScript(err) {
			return Result{}, rlerrors.Wrap(rlerrors.ErrScriptMissing, "bucket:parseResult", err)
		}
		return Result{}, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "bucket:parseResult", err)
	}

	raw, ok := cmd.Val().([]interface{})
	if !ok || len(raw) != 4 {
		return Result{}, rlerrors.Wrap(rlerrors.ErrInternal, "bucket:parseResult", fmt.Errorf("unexpected script reply shape"))
	}

	allowed, _ := toInt64(raw[0])
	stateRaw, _ := toInt64(raw[1])
	remaining, _ := toInt64(raw[2])
	usagePct, _ := toInt64(raw[3])

	result := Result{
		Allowed:         allowed == 1,
		State:           State(stateRaw),
		TokensRemaining: int(remaining),
		UsagePct:        float64(usagePct),
		ResetAfter:      resetAfterFrom(req.Capacity, int(remaining), req.RefillRatePerSec),
	}
	if !result.Allowed {
		result.RetryAfter = retryAfterFrom(req.Capacity, int(remaining), req.HardPct, req.RefillRatePerSec)
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}
	return result, nil
}

// resetAfterFrom implements the spec §4.2 reset-epoch formula: time until the
// bucket is back at full capacity at its current refill rate, rounded up to
// whole seconds.
func resetAfterFrom(capacity int, tokensRemaining int, refillRatePerSec float64) time.Duration {
	if refillRatePerSec <= 0 {
		return 0
	}
	deficit := float64(capacity - tokensRemaining)
	if deficit <= 0 {
		return 0
	}
	secs := deficit / refillRatePerSec
	return time.Duration(math.Ceil(secs)) * time.Second
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}
