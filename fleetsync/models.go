// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"encoding/json"
)

// Entity is a single company-scoped domain record (a driver, a saved tour,
// a recurring charge). The ID is client-assigned and stable across sync;
// the payload is opaque to the engine and stored verbatim.
type Entity struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Buckets maps a bucket name (e.g. a contract type) to the ordered entities
// currently assigned to it. Within a tenant an entity id lives in exactly
// one bucket at a time.
type Buckets map[string][]Entity

// EventOp identifies the operation carried by a realtime change event.
type EventOp string

const (
	OpInsert EventOp = "INSERT"
	OpUpdate EventOp = "UPDATE"
	OpDelete EventOp = "DELETE"
)

// RealtimeEvent is a single row-level change pushed by the remote store for
// the tenant's scope, including changes caused by this client itself.
//
// Entity is nil for deletes and for oversized notifications where the remote
// feed could not carry the full payload; the reconciler treats the latter as
// a refetch hint.
type RealtimeEvent struct {
	Op       EventOp
	Bucket   string
	EntityID string
	Entity   *Entity
}

// Clone returns a deep copy of the bucket map. Entity payloads are immutable
// by convention (callers never mutate a json.RawMessage in place), so slices
// are copied but payload bytes are shared.
func (b Buckets) Clone() Buckets {
	out := make(Buckets, len(b))
	for name, entities := range b {
		cp := make([]Entity, len(entities))
		copy(cp, entities)
		out[name] = cp
	}
	return out
}

// Find returns the entity with the given id and the bucket holding it.
func (b Buckets) Find(id string) (Entity, string, bool) {
	for name, entities := range b {
		for _, e := range entities {
			if e.ID == id {
				return e, name, true
			}
		}
	}
	return Entity{}, "", false
}

// Upsert places e into the named bucket, replacing an existing entry with
// the same id in place or prepending when the id is new. The id is removed
// from every other bucket first so that a bucket change never leaves the
// entity listed twice.
func (b Buckets) Upsert(bucket string, e Entity) {
	for name, entities := range b {
		if name == bucket {
			continue
		}
		b[name] = removeByID(entities, e.ID)
	}

	entities := b[bucket]
	for i := range entities {
		if entities[i].ID == e.ID {
			entities[i] = e
			return
		}
	}
	b[bucket] = append([]Entity{e}, entities...)
}

// Remove deletes the id from every bucket unconditionally. Realtime delete
// events do not reliably carry the bucket the row belonged to, so removal
// never trusts a bucket hint.
func (b Buckets) Remove(id string) {
	for name, entities := range b {
		b[name] = removeByID(entities, id)
	}
}

// Len returns the total entity count across all buckets.
func (b Buckets) Len() int {
	n := 0
	for _, entities := range b {
		n += len(entities)
	}
	return n
}

func removeByID(entities []Entity, id string) []Entity {
	out := entities[:0]
	for _, e := range entities {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// emptyBuckets returns a bucket map with an empty slice for each configured
// bucket name, so callers always observe the full bucket set.
func emptyBuckets(names []string) Buckets {
	out := make(Buckets, len(names))
	for _, name := range names {
		out[name] = []Entity{}
	}
	return out
}
