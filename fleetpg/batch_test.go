// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"testing"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

func newChunkTestStore(t *testing.T, run func(chunk []fleetsync.BatchItem) (int, error)) *Store {
	t.Helper()
	s := &Store{
		config: &Config{Table: "fleet_drivers", ChunkSize: 50},
		logger: slog.Default(),
	}
	s.runChunk = func(ctx context.Context, query string, chunk []fleetsync.BatchItem, scope fleetsync.Scope) (int, error) {
		return run(chunk)
	}
	return s
}

func batchItems(n int) []fleetsync.BatchItem {
	items := make([]fleetsync.BatchItem, n)
	for i := range items {
		items[i] = fleetsync.BatchItem{Bucket: "cdi"}
	}
	return items
}

func TestChunkRanges(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  [][2]int
	}{
		{"empty", 0, 50, nil},
		{"single partial chunk", 10, 50, [][2]int{{0, 10}}},
		{"exact chunk", 50, 50, [][2]int{{0, 50}}},
		{"exact multiple", 100, 50, [][2]int{{0, 50}, {50, 100}}},
		{"trailing partial", 120, 50, [][2]int{{0, 50}, {50, 100}, {100, 120}}},
		{"size one", 3, 1, [][2]int{{0, 1}, {1, 2}, {2, 3}}},
		{"zero size falls back to one", 2, 0, [][2]int{{0, 1}, {1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkRanges(tt.total, tt.size)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("chunkRanges(%d, %d) = %v, want %v", tt.total, tt.size, got, tt.want)
			}
		})
	}
}

// A failed chunk is skipped, not fatal: the import continues, progress still
// advances past the failed window, and the returned count reflects only the
// rows that actually landed.
func TestCreateBatch_ContinuesPastFailedChunk(t *testing.T) {
	calls := 0
	s := newChunkTestStore(t, func(chunk []fleetsync.BatchItem) (int, error) {
		calls++
		if calls == 2 {
			return 0, fmt.Errorf("deadlock detected")
		}
		return len(chunk), nil
	})

	var progress [][2]int
	inserted, err := s.CreateBatch(context.Background(), batchItems(120), fleetsync.Scope{
		TenantID: "tenant-1", UserID: "user-1",
	}, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if inserted != 70 {
		t.Errorf("inserted = %d, want 70 (120 minus the failed 50-row chunk)", inserted)
	}
	want := [][2]int{{50, 120}, {100, 120}, {120, 120}}
	if !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if calls != 3 {
		t.Errorf("chunk attempts = %d, want 3", calls)
	}
}

func TestCreateBatch_CountsPartialChunkInserts(t *testing.T) {
	// A chunk can land fewer rows than it carried (constraint skips); the
	// count follows what the server reported, not the chunk size.
	s := newChunkTestStore(t, func(chunk []fleetsync.BatchItem) (int, error) {
		return len(chunk) - 1, nil
	})

	inserted, err := s.CreateBatch(context.Background(), batchItems(100), fleetsync.Scope{
		TenantID: "tenant-1",
	}, nil)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if inserted != 98 {
		t.Errorf("inserted = %d, want 98", inserted)
	}
}

func TestCreateBatch_AbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s := newChunkTestStore(t, func(chunk []fleetsync.BatchItem) (int, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	})

	inserted, err := s.CreateBatch(ctx, batchItems(120), fleetsync.Scope{TenantID: "tenant-1"}, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
	if inserted != 0 {
		t.Errorf("inserted = %d, want 0", inserted)
	}
	if calls != 1 {
		t.Errorf("cancelled import should stop immediately, chunk attempts = %d", calls)
	}
}

func TestChunkRanges_CoversEveryIndexOnce(t *testing.T) {
	total, size := 237, 50
	covered := make([]int, total)
	for _, r := range chunkRanges(total, size) {
		if r[1]-r[0] > size {
			t.Errorf("chunk %v exceeds size %d", r, size)
		}
		for i := r[0]; i < r[1]; i++ {
			covered[i]++
		}
	}
	for i, n := range covered {
		if n != 1 {
			t.Fatalf("index %d covered %d times", i, n)
		}
	}
}
