// Package rlerrors defines the error taxonomy shared across the rate-limiter
// core (spec §7). Components wrap a cause with one of these sentinels so the
// decisioner and middleware can recover with errors.Is instead of string
// matching, mirroring the teacher's per-package sentinel+wrap convention.
package rlerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned when no tenant policy could be resolved.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrStoreTimeout is returned when a store round trip exceeded its deadline.
	ErrStoreTimeout = errors.New("store timeout")
	// ErrStoreUnavailable is returned on a store connection error.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrScriptMissing is returned when the atomic primitive's digest is
	// unknown to the store and reload-then-retry also failed.
	ErrScriptMissing = errors.New("atomic primitive script missing")
	// ErrOverrideLookup is returned on an override backend failure; callers
	// must treat this as "no override" per spec §4.4.
	ErrOverrideLookup = errors.New("override lookup failed")
	// ErrCircuitOpen is returned when the circuit breaker short-circuits a
	// call without touching the store.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrCancelled is returned when the caller's context was cancelled
	// mid-evaluation; no decision is produced.
	ErrCancelled = errors.New("request cancelled")
	// ErrInternal covers unexpected internal failures; always fail-open.
	ErrInternal = errors.New("internal error")
)

// Wrap attaches op context to a sentinel so the message identifies where the
// failure occurred without losing errors.Is compatibility.
func Wrap(sentinel error, op string, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %s: %w", sentinel, op, cause)
}
