package bucket

import "github.com/quotaforge/ratelimit/rlerrors"

// Errors returned by Engine are always wrapped rlerrors sentinels so callers
// can branch with errors.Is regardless of which scope failed.
var (
	ErrStoreUnavailable = rlerrors.ErrStoreUnavailable
	ErrStoreTimeout     = rlerrors.ErrStoreTimeout
	ErrScriptMissing    = rlerrors.ErrScriptMissing
)
