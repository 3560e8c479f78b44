// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

// Delete removes one entity, resolving row-level permission rejections
// through the privileged server-side procedure when the acting user holds an
// elevated role.
//
// Row-level policies may let a user see a company row without letting them
// mutate it, in which case the direct delete either errors with
// insufficient_privilege or silently reports zero rows affected. Ordinary
// users stop there; owners and admins go through the explicit, audited
// escape hatch instead of broadened base policies.
//
// With verify set, the entity is re-read after the fallback call and the
// whole operation fails if the row is still present, even when the
// procedure reported success.
func (s *Store) Delete(ctx context.Context, id string, scope fleetsync.Scope, verify bool) error {
	localID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid entity id %q: %w", id, err)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND local_id = $2`, s.tableIdent())

	tag, err := s.pool.Exec(ctx, query, scope.TenantID, localID)
	if err != nil {
		if !isAuthorizationDenied(err) {
			return fmt.Errorf("failed to delete entity %s: %w", id, err)
		}
	} else if tag.RowsAffected() > 0 {
		return nil
	}

	// Denied, or zero rows affected without an error (policy hid the row).
	elevated, err := s.isElevated(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to check role for fallback delete: %w", err)
	}
	if !elevated {
		return fmt.Errorf("%w: user %s holds no elevated role in tenant %s",
			fleetsync.ErrDeletionRefused, scope.UserID, scope.TenantID)
	}

	s.logger.Info("Direct delete rejected, using privileged fallback",
		"table", s.config.Table, "tenant", scope.TenantID, "id", id, "user", scope.UserID)

	var removed bool
	rpc := fmt.Sprintf(`SELECT %s($1, $2)`, s.adminDeleteIdent())
	if err := s.pool.QueryRow(ctx, rpc, scope.TenantID, localID).Scan(&removed); err != nil {
		return fmt.Errorf("privileged delete failed for entity %s: %w", id, err)
	}
	if !removed {
		return fmt.Errorf("%w: privileged delete removed no rows for entity %s",
			fleetsync.ErrDeletionRefused, id)
	}

	if verify {
		if err := s.verifyDeleted(ctx, scope.TenantID, localID); err != nil {
			return err
		}
	}
	return nil
}

// isElevated asks the server whether the acting user holds an owning or
// administrative role within the tenant.
func (s *Store) isElevated(ctx context.Context, scope fleetsync.Scope) (bool, error) {
	var elevated bool
	err := s.pool.QueryRow(ctx,
		`SELECT fleet_is_elevated($1, $2)`, scope.TenantID, scope.UserID).Scan(&elevated)
	if err != nil {
		return false, err
	}
	return elevated, nil
}

// verifyDeleted re-reads the entity by id. A row still present after a
// "successful" fallback means a silent partial failure in the authorization
// layer, which must never be reported as success.
func (s *Store) verifyDeleted(ctx context.Context, tenantID string, localID uuid.UUID) error {
	query := fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE tenant_id = $1 AND local_id = $2)`,
		s.tableIdent())

	var present bool
	if err := s.pool.QueryRow(ctx, query, tenantID, localID).Scan(&present); err != nil {
		return fmt.Errorf("failed to verify delete of entity %s: %w", localID, err)
	}
	if present {
		return fmt.Errorf("%w: entity %s still present after privileged delete",
			fleetsync.ErrVerificationFailed, localID)
	}
	return nil
}
