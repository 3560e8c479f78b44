// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

// Package fleetpg implements the remote side of the fleetsync engine on
// PostgreSQL: the typed CRUD gateway over the tenant-scoped entity table,
// the permission-fallback delete path, the LISTEN/NOTIFY change feed, and
// the membership/role queries backing scope resolution.
package fleetpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

// Config holds configuration for a Store serving one entity table.
type Config struct {
	Table string // entity table name (one table per entity type)

	ChunkSize  int           // batch insert chunk size
	ChunkDelay time.Duration // pause between batch chunks

	BackoffMin time.Duration // listener reconnect backoff floor
	BackoffMax time.Duration // listener reconnect backoff ceiling

	DisableSchemaInit bool // skip DDL on construction (managed schemas)
}

// DefaultConfig returns the standard configuration for an entity table.
func DefaultConfig(table string) *Config {
	return &Config{
		Table:      table,
		ChunkSize:  50,
		ChunkDelay: 50 * time.Millisecond,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Store is the PostgreSQL remote CRUD gateway for one entity table. It
// implements fleetsync.Gateway.
type Store struct {
	pool   *pgxpool.Pool
	config *Config
	logger *slog.Logger

	// runChunk performs one batch-insert chunk. Defaults to insertChunk;
	// a seam for exercising the continue-past-failed-chunk accounting.
	runChunk func(ctx context.Context, query string, chunk []fleetsync.BatchItem, scope fleetsync.Scope) (int, error)
}

// NewStore creates a gateway from an existing pool and initializes the
// entity table, membership table, SQL functions and notify trigger unless
// schema init is disabled.
func NewStore(pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil || config.Table == "" {
		return nil, fmt.Errorf("config with an entity table name is required")
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{pool: pool, config: config, logger: logger}
	s.runChunk = s.insertChunk

	if !config.DisableSchemaInit {
		ctx := context.Background()
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return s.initializeSchemaInTx(ctx, tx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return s, nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// FetchAll loads the tenant's full collection partitioned by bucket, newest
// rows first within each bucket.
func (s *Store) FetchAll(ctx context.Context, tenantID string) (fleetsync.Buckets, error) {
	query := fmt.Sprintf(
		`SELECT local_id, bucket, payload FROM %s WHERE tenant_id = $1 ORDER BY created_at DESC`,
		s.tableIdent())

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.config.Table, err)
	}
	defer rows.Close()

	buckets := make(fleetsync.Buckets)
	for rows.Next() {
		var (
			localID uuid.UUID
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&localID, &bucket, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.config.Table, err)
		}
		buckets[bucket] = append(buckets[bucket], fleetsync.Entity{
			ID:      localID.String(),
			Payload: payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", s.config.Table, err)
	}

	return buckets, nil
}

// Create upserts one entity keyed on (local_id, tenant_id), so a retry after
// an ambiguous network failure replaces the same row instead of duplicating
// it.
func (s *Store) Create(ctx context.Context, e fleetsync.Entity, bucket string, scope fleetsync.Scope) error {
	localID, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("invalid entity id %q: %w", e.ID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, local_id, bucket, payload, created_by, synced_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (local_id, tenant_id)
		DO UPDATE SET bucket = EXCLUDED.bucket, payload = EXCLUDED.payload, synced_at = now()`,
		s.tableIdent())

	_, err = s.pool.Exec(ctx, query, scope.TenantID, localID, bucket, []byte(e.Payload), scope.UserID)
	if err != nil {
		return classifyWriteError(fmt.Errorf("failed to create entity %s: %w", e.ID, err))
	}
	return nil
}

// Update performs a whole-record replace keyed on (local_id, tenant_id).
// Zero affected rows means the row is invisible or immutable under the
// caller's policies and is surfaced as an authorization failure; there is no
// fallback path for updates.
func (s *Store) Update(ctx context.Context, e fleetsync.Entity, bucket string, scope fleetsync.Scope) error {
	localID, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("invalid entity id %q: %w", e.ID, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET bucket = $3, payload = $4, synced_at = now()
		WHERE tenant_id = $1 AND local_id = $2`,
		s.tableIdent())

	tag, err := s.pool.Exec(ctx, query, scope.TenantID, localID, bucket, []byte(e.Payload))
	if err != nil {
		return classifyWriteError(fmt.Errorf("failed to update entity %s: %w", e.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: update of %s affected no rows", fleetsync.ErrAuthorizationDenied, e.ID)
	}
	return nil
}

func (s *Store) tableIdent() string {
	return pgx.Identifier{s.config.Table}.Sanitize()
}

// classifyWriteError maps server-side policy rejections onto the engine's
// error taxonomy, leaving everything else wrapped as-is.
func classifyWriteError(err error) error {
	if isAuthorizationDenied(err) {
		return fmt.Errorf("%w: %v", fleetsync.ErrAuthorizationDenied, err)
	}
	return err
}

// isAuthorizationDenied reports whether err is a row-level policy rejection
// (insufficient_privilege).
func isAuthorizationDenied(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.SQLState() == "42501"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
