// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

// CreateBatch inserts entities in fixed-size chunks with plain (non-upsert)
// inserts. A failed chunk is logged and skipped; partial success is
// acceptable for bulk import, and the engine reconciles afterwards with a
// full refetch. Progress is reported after every chunk, and a small delay
// between chunks keeps the connection from being saturated by one import.
func (s *Store) CreateBatch(ctx context.Context, items []fleetsync.BatchItem, scope fleetsync.Scope, onProgress fleetsync.ProgressFunc) (int, error) {
	total := len(items)
	if total == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, local_id, bucket, payload, created_by)
		VALUES ($1, $2, $3, $4, $5)`,
		s.tableIdent())

	inserted := 0
	for _, r := range chunkRanges(total, s.config.ChunkSize) {
		chunk := items[r[0]:r[1]]

		n, err := s.runChunk(ctx, query, chunk, scope)
		if err != nil {
			if ctx.Err() != nil {
				return inserted, ctx.Err()
			}
			s.logger.Warn("Batch insert chunk failed, continuing",
				"table", s.config.Table, "tenant", scope.TenantID,
				"from", r[0], "to", r[1], "error", err)
		} else {
			inserted += n
		}

		if onProgress != nil {
			onProgress(r[1], total)
		}

		if r[1] < total {
			if err := sleepWithContext(ctx, s.config.ChunkDelay); err != nil {
				return inserted, err
			}
		}
	}

	return inserted, nil
}

// insertChunk writes one chunk in a single transaction via a pipelined
// batch. The chunk either lands whole or not at all.
func (s *Store) insertChunk(ctx context.Context, query string, chunk []fleetsync.BatchItem, scope fleetsync.Scope) (int, error) {
	batch := &pgx.Batch{}
	for _, item := range chunk {
		localID, err := uuid.Parse(item.Entity.ID)
		if err != nil {
			return 0, fmt.Errorf("invalid entity id %q: %w", item.Entity.ID, err)
		}
		batch.Queue(query, scope.TenantID, localID, item.Bucket, []byte(item.Entity.Payload), scope.UserID)
	}

	n := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range chunk {
			tag, err := results.Exec()
			if err != nil {
				return err
			}
			n += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// chunkRanges splits [0,total) into [from,to) windows of at most size.
func chunkRanges(total, size int) [][2]int {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}
	var out [][2]int
	for from := 0; from < total; from += size {
		to := from + size
		if to > total {
			to = total
		}
		out = append(out, [2]int{from, to})
	}
	return out
}
