package policy

import "github.com/quotaforge/ratelimit/rlerrors"

// ErrNotFound is returned by Store when no matching policy document exists.
var ErrNotFound = rlerrors.ErrPolicyNotFound
