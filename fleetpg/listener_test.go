// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"testing"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

func TestDecodeNotification_InsertWithEntity(t *testing.T) {
	payload := []byte(`{"op":"INSERT","bucket":"cdi","local_id":"abc","entity":{"name":"ana"}}`)

	ev, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decodeNotification failed: %v", err)
	}
	if ev.Op != fleetsync.OpInsert || ev.Bucket != "cdi" || ev.EntityID != "abc" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Entity == nil || string(ev.Entity.Payload) != `{"name":"ana"}` {
		t.Errorf("entity not carried: %+v", ev.Entity)
	}
	if ev.Entity.ID != "abc" {
		t.Errorf("entity id = %s, want local_id", ev.Entity.ID)
	}
}

func TestDecodeNotification_Delete(t *testing.T) {
	payload := []byte(`{"op":"DELETE","bucket":"cdi","local_id":"abc"}`)

	ev, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decodeNotification failed: %v", err)
	}
	if ev.Op != fleetsync.OpDelete || ev.EntityID != "abc" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Entity != nil {
		t.Error("delete events carry no entity")
	}
}

func TestDecodeNotification_OversizeUpsert(t *testing.T) {
	// The trigger drops the entity when the row would overflow the NOTIFY
	// cap; the event still identifies the row so the engine can refetch.
	payload := []byte(`{"op":"UPDATE","bucket":"cdd","local_id":"abc"}`)

	ev, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decodeNotification failed: %v", err)
	}
	if ev.Op != fleetsync.OpUpdate || ev.EntityID != "abc" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Entity != nil {
		t.Error("oversize upsert must be entity-less")
	}
}

func TestDecodeNotification_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"bad json", `{"op":`},
		{"unknown op", `{"op":"TRUNCATE","local_id":"abc"}`},
		{"missing local_id", `{"op":"INSERT","bucket":"cdi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeNotification([]byte(tt.payload)); err == nil {
				t.Errorf("expected decode error for %s", tt.payload)
			}
		})
	}
}

func TestListener_ChannelName(t *testing.T) {
	l := &Listener{config: &Config{Table: "fleet_drivers"}}

	got := l.channelName("0b0e7a31-6f4e-4f0f-9d3e-000000000001")
	want := "fleet_changes_fleet_drivers_0b0e7a31-6f4e-4f0f-9d3e-000000000001"
	if got != want {
		t.Errorf("channelName = %s, want %s", got, want)
	}
}
