// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// notifyOversizeLimit keeps notify payloads under the Postgres NOTIFY cap
// (~8000 bytes) with headroom for the envelope. Larger entities are
// published id-only and reconciled by refetch.
const notifyOversizeLimit = 7500

func (s *Store) notifyFnIdent() string {
	return pgx.Identifier{"fleet_notify_" + s.config.Table}.Sanitize()
}

func (s *Store) adminDeleteIdent() string {
	return pgx.Identifier{"fleet_admin_delete_" + s.config.Table}.Sanitize()
}

// initializeSchemaInTx creates the entity table, the membership table, the
// role-check and privileged-delete functions, and the notify trigger.
func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	table := s.tableIdent()
	channelPrefix := "fleet_changes_" + s.config.Table + "_"

	migrations := []string{
		// Entity rows: one table per entity type, tenant-scoped, with a
		// client-assigned stable id and an opaque JSON payload. The upsert
		// conflict target is (local_id, tenant_id).
		/*language=postgresql*/ fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			tenant_id   UUID        NOT NULL,
			local_id    UUID        NOT NULL,
			bucket      TEXT        NOT NULL,
			payload     JSON        NOT NULL,
			created_by  TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			synced_at   TIMESTAMPTZ,
			UNIQUE (local_id, tenant_id)
		)`, table),

		/*language=postgresql*/ fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, created_at DESC)`,
			pgx.Identifier{s.config.Table + "_tenant_created_idx"}.Sanitize(), table),

		// Tenant membership backing scope resolution and the role check.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet_memberships (
			tenant_id  UUID        NOT NULL,
			user_id    TEXT        NOT NULL,
			role       TEXT        NOT NULL CHECK (role IN ('owner','admin','member')),
			active     BOOLEAN     NOT NULL DEFAULT TRUE,
			joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, user_id)
		)`,

		// Role check: does the user hold an owning/administrative role.
		/*language=postgresql*/ `CREATE OR REPLACE FUNCTION fleet_is_elevated(p_tenant_id UUID, p_user_id TEXT)
		RETURNS BOOLEAN
		LANGUAGE sql STABLE SECURITY DEFINER AS $$
			SELECT EXISTS (
				SELECT 1 FROM fleet_memberships
				WHERE tenant_id = p_tenant_id
				  AND user_id = p_user_id
				  AND active
				  AND role IN ('owner', 'admin')
			);
		$$`,

		// Privileged delete: runs under elevated rights, scoped explicitly
		// to (tenant, entity), and reports whether a row was removed.
		/*language=postgresql*/ fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s(p_tenant_id UUID, p_local_id UUID)
		RETURNS BOOLEAN
		LANGUAGE plpgsql SECURITY DEFINER AS $$
		DECLARE
			removed INTEGER;
		BEGIN
			DELETE FROM %s WHERE tenant_id = p_tenant_id AND local_id = p_local_id;
			GET DIAGNOSTICS removed = ROW_COUNT;
			RETURN removed > 0;
		END;
		$$`, s.adminDeleteIdent(), table),

		// Change feed trigger: publishes every row change to the row's
		// per-tenant channel. Oversized payloads are sent id-only.
		/*language=postgresql*/ fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s()
		RETURNS TRIGGER
		LANGUAGE plpgsql AS $$
		DECLARE
			channel TEXT;
			message TEXT;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				channel := '%s' || OLD.tenant_id::text;
				message := json_build_object(
					'op', TG_OP, 'bucket', OLD.bucket, 'local_id', OLD.local_id)::text;
				PERFORM pg_notify(channel, message);
				RETURN OLD;
			END IF;

			channel := '%s' || NEW.tenant_id::text;
			message := json_build_object(
				'op', TG_OP, 'bucket', NEW.bucket, 'local_id', NEW.local_id,
				'entity', NEW.payload)::text;
			IF octet_length(message) > %d THEN
				message := json_build_object(
					'op', TG_OP, 'bucket', NEW.bucket, 'local_id', NEW.local_id)::text;
			END IF;
			PERFORM pg_notify(channel, message);
			RETURN NEW;
		END;
		$$`, s.notifyFnIdent(), channelPrefix, channelPrefix, notifyOversizeLimit),

		/*language=postgresql*/ fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`,
			pgx.Identifier{s.config.Table + "_notify_trg"}.Sanitize(), table),

		/*language=postgresql*/ fmt.Sprintf(`CREATE TRIGGER %s
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`,
			pgx.Identifier{s.config.Table + "_notify_trg"}.Sanitize(), table, s.notifyFnIdent()),
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}

	s.logger.Debug("Schema initialized", "table", s.config.Table)
	return nil
}
