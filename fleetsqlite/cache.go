// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

// Package fleetsqlite provides the durable local cache store for the
// fleetsync engine on SQLite: the last-known-good bucket snapshot per
// tenant, replaced whole on every persist and served as the source of last
// resort when the network or auth context is unavailable.
package fleetsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

// CacheStore persists bucket snapshots in a local SQLite database. It
// implements fleetsync.CacheStore. One row holds the whole snapshot for a
// tenant scope, so a persist is atomic from the caller's perspective:
// readers never observe a partially-updated bucket set.
type CacheStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCacheStore initializes the cache schema on an open SQLite handle.
func NewCacheStore(db *sql.DB, logger *slog.Logger) (*CacheStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS fleet_cache_snapshots (
		tenant_id   TEXT NOT NULL PRIMARY KEY,
		snapshot    TEXT NOT NULL,
		updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	return &CacheStore{db: db, logger: logger}, nil
}

// Persist replaces the tenant's snapshot with the given buckets. The write
// fully replaces prior state for the scope.
func (c *CacheStore) Persist(ctx context.Context, tenantID string, buckets fleetsync.Buckets) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}

	encoded, err := json.Marshal(buckets)
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO fleet_cache_snapshots (tenant_id, snapshot, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (tenant_id)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		tenantID, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to persist cache snapshot: %w", err)
	}
	return nil
}

// Load returns the last persisted snapshot for the tenant. A missing row,
// corrupt JSON, or foreign-format data all mean "no cache": the caller gets
// empty buckets and no error, never a parse failure.
func (c *CacheStore) Load(ctx context.Context, tenantID string) (fleetsync.Buckets, error) {
	var encoded string
	err := c.db.QueryRowContext(ctx,
		`SELECT snapshot FROM fleet_cache_snapshots WHERE tenant_id = ?`,
		tenantID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return fleetsync.Buckets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var buckets fleetsync.Buckets
	if err := json.Unmarshal([]byte(encoded), &buckets); err != nil {
		c.logger.Warn("Corrupt cache snapshot, treating as empty",
			"tenant", tenantID, "error", err)
		return fleetsync.Buckets{}, nil
	}
	if buckets == nil {
		buckets = fleetsync.Buckets{}
	}
	return buckets, nil
}

// Clear wipes the tenant's snapshot.
func (c *CacheStore) Clear(ctx context.Context, tenantID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM fleet_cache_snapshots WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to clear cache snapshot: %w", err)
	}
	return nil
}
