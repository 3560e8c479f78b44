// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"encoding/json"
	"reflect"
	"testing"
)

func entity(id, payload string) Entity {
	return Entity{ID: id, Payload: json.RawMessage(payload)}
}

func TestBucketsUpsert_PrependsNewEntity(t *testing.T) {
	b := Buckets{"cdi": {entity("a", `{"n":1}`)}}

	b.Upsert("cdi", entity("b", `{"n":2}`))

	if len(b["cdi"]) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(b["cdi"]))
	}
	if b["cdi"][0].ID != "b" {
		t.Errorf("new entity should be prepended, got head %s", b["cdi"][0].ID)
	}
}

func TestBucketsUpsert_ReplacesInPlace(t *testing.T) {
	b := Buckets{"cdi": {entity("a", `{"n":1}`), entity("b", `{"n":2}`)}}

	b.Upsert("cdi", entity("a", `{"n":9}`))

	if len(b["cdi"]) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(b["cdi"]))
	}
	if string(b["cdi"][0].Payload) != `{"n":9}` {
		t.Errorf("payload not replaced: %s", b["cdi"][0].Payload)
	}
}

func TestBucketsUpsert_Idempotent(t *testing.T) {
	b := Buckets{"cdi": {entity("a", `{"n":1}`)}}
	e := entity("b", `{"n":2}`)

	b.Upsert("cdi", e)
	once := b.Clone()
	b.Upsert("cdi", e)

	if !reflect.DeepEqual(b, once) {
		t.Errorf("applying the same upsert twice changed state:\nonce:  %v\ntwice: %v", once, b)
	}
}

func TestBucketsUpsert_BucketExclusivity(t *testing.T) {
	b := Buckets{
		"cdi":     {entity("a", `{"n":1}`)},
		"interim": {},
	}

	// Entity moves from cdi to interim.
	b.Upsert("interim", entity("a", `{"n":1}`))

	if len(b["cdi"]) != 0 {
		t.Errorf("entity should be removed from previous bucket, cdi still has %d", len(b["cdi"]))
	}
	if len(b["interim"]) != 1 {
		t.Fatalf("entity should be in interim bucket")
	}

	// Invariant: id appears in at most one bucket.
	seen := 0
	for _, entities := range b {
		for _, e := range entities {
			if e.ID == "a" {
				seen++
			}
		}
	}
	if seen != 1 {
		t.Errorf("id appears in %d buckets, want 1", seen)
	}
}

func TestBucketsRemove_RemovesFromEveryBucket(t *testing.T) {
	// A delete event may not indicate the bucket the row belonged to, so
	// removal must not trust any bucket hint.
	b := Buckets{
		"cdi":     {entity("x", `{}`), entity("a", `{}`)},
		"cdd":     {entity("x", `{}`)},
		"interim": {entity("b", `{}`)},
	}

	b.Remove("x")

	for name, entities := range b {
		for _, e := range entities {
			if e.ID == "x" {
				t.Errorf("id x still present in bucket %s", name)
			}
		}
	}
	if len(b["cdi"]) != 1 || len(b["interim"]) != 1 {
		t.Errorf("unrelated entities must survive removal: %v", b)
	}
}

func TestBucketsFind(t *testing.T) {
	b := Buckets{
		"cdi":     {entity("a", `{"n":1}`)},
		"interim": {entity("b", `{"n":2}`)},
	}

	e, bucket, ok := b.Find("b")
	if !ok || bucket != "interim" || string(e.Payload) != `{"n":2}` {
		t.Errorf("Find(b) = %v %q %v", e, bucket, ok)
	}

	if _, _, ok := b.Find("missing"); ok {
		t.Error("Find should miss for unknown id")
	}
}

func TestBucketsClone_Independent(t *testing.T) {
	b := Buckets{"cdi": {entity("a", `{}`)}}
	cp := b.Clone()

	b.Upsert("cdi", entity("b", `{}`))

	if len(cp["cdi"]) != 1 {
		t.Errorf("clone changed when original mutated: %v", cp)
	}
}

func TestBucketsLen(t *testing.T) {
	b := Buckets{
		"cdi":     {entity("a", `{}`), entity("b", `{}`)},
		"interim": {entity("c", `{}`)},
		"cdd":     {},
	}
	if got := b.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}
