package override

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotaforge/ratelimit/rlerrors"
)

// ReapInterval is how often the store sweeps expired overrides. Postgres has
// no native per-row TTL index the way the spec's reference store assumes
// (spec §4.4, §6); this reaper plus an "expires_at > now()" predicate on
// every read is the Postgres-shaped equivalent (see DESIGN.md Open Question).
const ReapInterval = 30 * time.Second

// Store is the persistent override adapter (spec §4.4).
type Store struct {
	pool   *pgxpool.Pool
	stopCh chan struct{}
}

// NewStore opens a pool against dsn and ensures the overrides table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:NewStore", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:Ping", err)
	}
	s := &Store{pool: pool, stopCh: make(chan struct{})}
	if err := s.createTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool wraps an already-connected pool (used by tests).
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, stopCh: make(chan struct{})}
}

func (s *Store) createTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS overrides (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT,
			endpoint TEXT,
			override_type TEXT NOT NULL,
			penalty_multiplier DOUBLE PRECISION,
			custom_rate INTEGER,
			custom_burst INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS overrides_tenant_idx ON overrides (tenant_id, expires_at);
	`)
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrInternal, "override:createTable", err)
	}
	return nil
}

// Create inserts a new override. o.ID is generated if zero.
func (s *Store) Create(ctx context.Context, o Override) (Override, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if err := o.Validate(); err != nil {
		return Override{}, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO overrides (id, tenant_id, user_id, endpoint, override_type, penalty_multiplier,
			custom_rate, custom_burst, reason, source, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, o.ID, o.TenantID, o.UserID, o.Endpoint, string(o.OverrideType), o.PenaltyMultiplier,
		o.CustomRate, o.CustomBurst, o.Reason, string(o.Source), o.CreatedAt, o.ExpiresAt)
	if err != nil {
		return Override{}, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:Create", err)
	}
	return o, nil
}

// Delete removes an override by id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM overrides WHERE id = $1`, id)
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:Delete", err)
	}
	return nil
}

// HasActiveForTenant reports whether any unexpired override exists for the
// tenant regardless of shape (used by the abuse detector's "already
// overridden" skip, spec §4.11).
func (s *Store) HasActiveForTenant(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM overrides WHERE tenant_id = $1 AND expires_at > now())
	`, tenantID).Scan(&exists)
	if err != nil {
		return false, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:HasActiveForTenant", err)
	}
	return exists, nil
}

// GetActive runs the one-query, OR-of-four-shapes lookup spec §4.4
// describes and ranks the results in memory, returning the single
// highest-precedence match (or ok=false when none apply).
func (s *Store) GetActive(ctx context.Context, tenantID string, userID, endpoint *string) (Override, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, endpoint, override_type, penalty_multiplier,
			custom_rate, custom_burst, reason, source, created_at, expires_at
		FROM overrides
		WHERE tenant_id = $1
			AND expires_at > now()
			AND (
				(user_id = $2 AND endpoint = $3)
				OR (user_id = $2 AND endpoint IS NULL)
				OR (endpoint = $3 AND user_id IS NULL)
				OR (user_id IS NULL AND endpoint IS NULL)
			)
	`, tenantID, userID, endpoint)
	if err != nil {
		return Override{}, false, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:GetActive", err)
	}
	defer rows.Close()

	var candidates []Override
	for rows.Next() {
		var o Override
		var typ, src string
		if err := rows.Scan(&o.ID, &o.TenantID, &o.UserID, &o.Endpoint, &typ, &o.PenaltyMultiplier,
			&o.CustomRate, &o.CustomBurst, &o.Reason, &src, &o.CreatedAt, &o.ExpiresAt); err != nil {
			return Override{}, false, rlerrors.Wrap(rlerrors.ErrInternal, "override:GetActive:scan", err)
		}
		o.OverrideType = Type(typ)
		o.Source = Source(src)
		if o.Matches(userID, endpoint) {
			candidates = append(candidates, o)
		}
	}
	if err := rows.Err(); err != nil {
		return Override{}, false, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "override:GetActive:rows", err)
	}
	if len(candidates) == 0 {
		return Override{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Rank() < candidates[j].Rank() })
	return candidates[0], true, nil
}

// StartReaper launches the periodic sweep that deletes expired rows,
// emulating the store-enforced expiration index spec §4.4 assumes.
func (s *Store) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.pool.Exec(ctx, `DELETE FROM overrides WHERE expires_at <= now()`); err != nil {
					slog.Warn("override reaper sweep failed", "error", err)
				}
			}
		}
	}()
}

// StopReaper stops the background sweep.
func (s *Store) StopReaper() {
	close(s.stopCh)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
