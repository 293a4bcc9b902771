package decision

import "github.com/quotaforge/ratelimit/rlerrors"

// Errors surfaced by the decisioner are the same rlerrors sentinels its
// dependencies (bucket, policy, override) already produce; this file exists
// so callers only need to import this package to branch on them.
var (
	ErrStoreUnavailable = rlerrors.ErrStoreUnavailable
	ErrCircuitOpen      = rlerrors.ErrCircuitOpen
	ErrCancelled        = rlerrors.ErrCancelled
)
