// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetpg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optiflow/go-fleetsync/fleetsync"
)

// Listener opens tenant-scoped realtime subscriptions over Postgres
// LISTEN/NOTIFY. One notification channel exists per tenant; the notify
// trigger on the entity table publishes every row change affecting that
// tenant, including changes caused by this client (self-events).
// Listener implements fleetsync.ChangeFeed.
type Listener struct {
	pool   *pgxpool.Pool
	config *Config
	logger *slog.Logger
}

// NewListener creates a change feed sharing the store's pool and config.
func NewListener(pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Listener, error) {
	if config == nil || config.Table == "" {
		return nil, fmt.Errorf("config with an entity table name is required")
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = 1 * time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{pool: pool, config: config, logger: logger}, nil
}

// channelName returns the per-tenant notification channel. Must match the
// name built by the notify trigger.
func (l *Listener) channelName(tenantID string) string {
	return fmt.Sprintf("fleet_changes_%s_%s", l.config.Table, tenantID)
}

// Subscribe starts the listen loop for one tenant. The returned subscription
// keeps itself established across connection drops with doubling backoff and
// signals Subscribed after every (re)establishment so the engine can refetch
// whatever the gap swallowed.
func (l *Listener) Subscribe(ctx context.Context, tenantID string) (fleetsync.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events:     make(chan fleetsync.RealtimeEvent, 64),
		subscribed: make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go sub.run(runCtx, l, tenantID)
	return sub, nil
}

type subscription struct {
	events     chan fleetsync.RealtimeEvent
	subscribed chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *subscription) Events() <-chan fleetsync.RealtimeEvent { return s.events }
func (s *subscription) Subscribed() <-chan struct{}            { return s.subscribed }

// Close tears the subscription down. Idempotent; returns after the listen
// loop has exited.
func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// run owns the dedicated LISTEN connection. LISTEN state is per-connection,
// so the loop pins one pool connection and re-establishes everything from
// scratch after any failure.
func (s *subscription) run(ctx context.Context, l *Listener, tenantID string) {
	defer close(s.done)
	defer close(s.events)

	channel := l.channelName(tenantID)
	backoff := l.config.BackoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.listenOnce(ctx, l, channel)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("Realtime channel dropped, reconnecting",
			"channel", channel, "backoff", backoff, "error", err)

		if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
			return
		}
		backoff *= 2
		if backoff > l.config.BackoffMax {
			backoff = l.config.BackoffMax
		}
	}
}

// listenOnce acquires a connection, LISTENs, signals establishment, and
// pumps notifications until the connection fails or ctx is done.
func (s *subscription) listenOnce(ctx context.Context, l *Listener, channel string) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	// Signal (re)establishment; non-blocking because the engine may still be
	// processing the previous signal.
	select {
	case s.subscribed <- struct{}{}:
	default:
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		ev, err := decodeNotification([]byte(notification.Payload))
		if err != nil {
			l.logger.Warn("Dropping undecodable realtime event",
				"channel", channel, "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyPayload is the JSON document published by the notify trigger.
// Entity is omitted for deletes and for rows whose payload would overflow
// the NOTIFY size cap; the reconciler treats entity-less upserts as refetch
// hints.
type notifyPayload struct {
	Op      string           `json:"op"`
	Bucket  string           `json:"bucket"`
	LocalID string           `json:"local_id"`
	Entity  *json.RawMessage `json:"entity,omitempty"`
}

func decodeNotification(payload []byte) (fleetsync.RealtimeEvent, error) {
	var p notifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fleetsync.RealtimeEvent{}, fmt.Errorf("bad notify payload: %w", err)
	}

	ev := fleetsync.RealtimeEvent{
		Bucket:   p.Bucket,
		EntityID: p.LocalID,
	}

	switch p.Op {
	case "INSERT":
		ev.Op = fleetsync.OpInsert
	case "UPDATE":
		ev.Op = fleetsync.OpUpdate
	case "DELETE":
		ev.Op = fleetsync.OpDelete
	default:
		return fleetsync.RealtimeEvent{}, fmt.Errorf("unknown notify op %q", p.Op)
	}

	if ev.Op != fleetsync.OpDelete && p.Entity != nil {
		ev.Entity = &fleetsync.Entity{ID: p.LocalID, Payload: *p.Entity}
	}
	if ev.EntityID == "" {
		return fleetsync.RealtimeEvent{}, fmt.Errorf("notify payload missing local_id")
	}
	return ev, nil
}
