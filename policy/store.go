package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotaforge/ratelimit/rlerrors"
)

// ChangeKind describes the kind of policy mutation a change event carries.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is yielded by Store.Subscribe on every tenant or global policy
// mutation (spec §4.3).
type ChangeEvent struct {
	TenantID string // empty for a global-policy change
	Kind     ChangeKind
}

// Store is the persistent policy adapter (spec §4.3): CRUD plus a
// subscription primitive for change notification.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgx pool against dsn and ensures the backing tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:NewStore", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:Ping", err)
	}
	s := &Store{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool wraps an already-connected pool (used by tests).
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_policies (
			tenant_id TEXT PRIMARY KEY,
			user_global JSONB,
			tenant_global JSONB NOT NULL,
			user_endpoints JSONB,
			tenant_endpoints JSONB,
			throttle_config JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS global_policy (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			system JSONB NOT NULL,
			endpoint_policies JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("policy: creating tables: %w", err)
	}
	return nil
}

type tenantRow struct {
	UserGlobal      *BucketPolicy           `json:"user_global"`
	TenantGlobal    BucketPolicy            `json:"tenant_global"`
	UserEndpoints   map[string]BucketPolicy `json:"user_endpoints"`
	TenantEndpoints map[string]BucketPolicy `json:"tenant_endpoints"`
	Throttle        ThrottleConfig          `json:"throttle_config"`
}

// GetTenant loads a single tenant policy by id. Returns rlerrors.ErrPolicyNotFound
// when no row exists.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (TenantPolicy, error) {
	var row tenantRow
	var userGlobalJSON, userEndpointsJSON, tenantEndpointsJSON []byte
	var tenantGlobalJSON, throttleJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT user_global, tenant_global, user_endpoints, tenant_endpoints, throttle_config
		FROM tenant_policies WHERE tenant_id = $1
	`, tenantID).Scan(&userGlobalJSON, &tenantGlobalJSON, &userEndpointsJSON, &tenantEndpointsJSON, &throttleJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantPolicy{}, rlerrors.ErrPolicyNotFound
		}
		return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:GetTenant", err)
	}

	if err := unmarshalIfPresent(tenantGlobalJSON, &row.TenantGlobal); err != nil {
		return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetTenant:decode", err)
	}
	if userGlobalJSON != nil {
		var ug BucketPolicy
		if err := json.Unmarshal(userGlobalJSON, &ug); err != nil {
			return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetTenant:decode", err)
		}
		row.UserGlobal = &ug
	}
	if err := unmarshalIfPresent(userEndpointsJSON, &row.UserEndpoints); err != nil {
		return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetTenant:decode", err)
	}
	if err := unmarshalIfPresent(tenantEndpointsJSON, &row.TenantEndpoints); err != nil {
		return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetTenant:decode", err)
	}
	if err := unmarshalIfPresent(throttleJSON, &row.Throttle); err != nil {
		return TenantPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetTenant:decode", err)
	}

	tp := TenantPolicy{
		TenantID:        tenantID,
		UserGlobal:      row.UserGlobal,
		TenantGlobal:    row.TenantGlobal,
		UserEndpoints:   row.UserEndpoints,
		TenantEndpoints: row.TenantEndpoints,
		Throttle:        row.Throttle,
	}
	tp.Normalize()
	return tp, nil
}

// GetGlobal loads the singleton global policy. Returns rlerrors.ErrPolicyNotFound
// when it has never been configured.
func (s *Store) GetGlobal(ctx context.Context) (GlobalPolicy, error) {
	var systemJSON, endpointsJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT system, endpoint_policies FROM global_policy WHERE id = 1`).
		Scan(&systemJSON, &endpointsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GlobalPolicy{}, rlerrors.ErrPolicyNotFound
		}
		return GlobalPolicy{}, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:GetGlobal", err)
	}
	var gp GlobalPolicy
	if err := unmarshalIfPresent(systemJSON, &gp.System); err != nil {
		return GlobalPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetGlobal:decode", err)
	}
	if err := unmarshalIfPresent(endpointsJSON, &gp.EndpointPolicies); err != nil {
		return GlobalPolicy{}, rlerrors.Wrap(rlerrors.ErrInternal, "policy:GetGlobal:decode", err)
	}
	gp.Normalize()
	return gp, nil
}

// UpsertTenant creates or replaces a tenant policy document.
func (s *Store) UpsertTenant(ctx context.Context, tp TenantPolicy) error {
	tp.Normalize()
	if err := tp.Validate(); err != nil {
		return fmt.Errorf("policy: invalid tenant policy: %w", err)
	}
	userGlobalJSON, _ := json.Marshal(tp.UserGlobal)
	tenantGlobalJSON, _ := json.Marshal(tp.TenantGlobal)
	userEndpointsJSON, _ := json.Marshal(tp.UserEndpoints)
	tenantEndpointsJSON, _ := json.Marshal(tp.TenantEndpoints)
	throttleJSON, _ := json.Marshal(tp.Throttle)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_policies (tenant_id, user_global, tenant_global, user_endpoints, tenant_endpoints, throttle_config, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			user_global = EXCLUDED.user_global,
			tenant_global = EXCLUDED.tenant_global,
			user_endpoints = EXCLUDED.user_endpoints,
			tenant_endpoints = EXCLUDED.tenant_endpoints,
			throttle_config = EXCLUDED.throttle_config,
			updated_at = now()
	`, tp.TenantID, userGlobalJSON, tenantGlobalJSON, userEndpointsJSON, tenantEndpointsJSON, throttleJSON)
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:UpsertTenant", err)
	}
	_, _ = s.pool.Exec(ctx, `SELECT pg_notify('policy_changes', $1)`, notifyPayload(tp.TenantID, ChangeUpdate))
	return nil
}

// UpsertGlobal creates or replaces the singleton global policy.
func (s *Store) UpsertGlobal(ctx context.Context, gp GlobalPolicy) error {
	if err := gp.Validate(); err != nil {
		return fmt.Errorf("policy: invalid global policy: %w", err)
	}
	systemJSON, _ := json.Marshal(gp.System)
	endpointsJSON, _ := json.Marshal(gp.EndpointPolicies)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_policy (id, system, endpoint_policies, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET
			system = EXCLUDED.system,
			endpoint_policies = EXCLUDED.endpoint_policies,
			updated_at = now()
	`, systemJSON, endpointsJSON)
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:UpsertGlobal", err)
	}
	_, _ = s.pool.Exec(ctx, `SELECT pg_notify('policy_changes', $1)`, notifyPayload("", ChangeUpdate))
	return nil
}

// DeleteTenant removes a tenant policy document.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:DeleteTenant", err)
	}
	_, _ = s.pool.Exec(ctx, `SELECT pg_notify('policy_changes', $1)`, notifyPayload(tenantID, ChangeDelete))
	return nil
}

// ListAllTenant returns every tenant id with a policy document.
func (s *Store) ListAllTenant(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM tenant_policies`)
	if err != nil {
		return nil, rlerrors.Wrap(rlerrors.ErrStoreUnavailable, "policy:ListAllTenant", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, rlerrors.Wrap(rlerrors.ErrInternal, "policy:ListAllTenant:scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the backing Postgres connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func unmarshalIfPresent(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func notifyPayload(tenantID string, kind ChangeKind) string {
	b, _ := json.Marshal(ChangeEvent{TenantID: tenantID, Kind: kind})
	return string(b)
}
