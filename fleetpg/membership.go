// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Membership resolves a user's active tenant from the fleet_memberships
// table. It implements fleetsync.MembershipResolver and backs the scope
// tracker's one-shot re-resolution.
type Membership struct {
	pool *pgxpool.Pool
}

// NewMembership creates a resolver over an existing pool.
func NewMembership(pool *pgxpool.Pool) *Membership {
	return &Membership{pool: pool}
}

// TenantIDForUser returns the user's active tenant, or empty when the user
// belongs to no company. Membership is optional, so "no rows" is not an
// error; it only means there is no company scope to sync under.
func (m *Membership) TenantIDForUser(ctx context.Context, userID string) (string, error) {
	var tenantID string
	err := m.pool.QueryRow(ctx, `
		SELECT tenant_id::text FROM fleet_memberships
		WHERE user_id = $1 AND active
		ORDER BY joined_at
		LIMIT 1`, userID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant for user %s: %w", userID, err)
	}
	return tenantID, nil
}

// Upsert records or updates a membership. Used by provisioning flows and
// integration tests.
func (m *Membership) Upsert(ctx context.Context, tenantID, userID, role string, active bool) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO fleet_memberships (tenant_id, user_id, role, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, active = EXCLUDED.active`,
		tenantID, userID, role, active)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}
