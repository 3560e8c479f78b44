// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
)

// resubscribe tears down any previous subscription and establishes a fresh
// one for the tenant. Teardown-before-subscribe is unconditional: a scope
// change that skipped it would leave two handlers mutating the same buckets.
func (e *Engine) resubscribe(ctx context.Context, tenantID string) error {
	e.teardownSubscription()

	e.subMu.Lock()
	if e.closed {
		e.subMu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	e.subCancel = cancel
	e.subMu.Unlock()

	sub, err := e.feed.Subscribe(subCtx, tenantID)
	if err != nil {
		cancel()
		return err
	}

	e.subMu.Lock()
	if e.closed {
		e.subMu.Unlock()
		cancel()
		_ = sub.Close()
		return nil
	}
	e.sub = sub
	e.subMu.Unlock()

	go e.consume(subCtx, sub)
	return nil
}

// teardownSubscription closes the current subscription if any. Safe to call
// multiple times and from any goroutine.
func (e *Engine) teardownSubscription() {
	e.subMu.Lock()
	sub := e.sub
	cancel := e.subCancel
	e.sub = nil
	e.subCancel = nil
	e.subMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
}

// consume is the reconciler loop: it merges pushed events into the bucket
// state and triggers a full refetch on every (re)establishment of the
// channel. The channel is a low-latency hint, not the sole source of truth;
// the refetch is what repairs gaps from dropped connections.
func (e *Engine) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Subscribed():
			if !ok {
				return
			}
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("Post-subscribe refresh failed",
					"collection", e.config.Collection, "error", err)
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			e.applyEvent(ctx, ev)
		}
	}
}

// applyEvent merges one realtime event. Merges are idempotent upserts keyed
// by id, so self-events (changes this client caused) and duplicate delivery
// are harmless. The final state for any single id is last-applied-wins.
func (e *Engine) applyEvent(ctx context.Context, ev RealtimeEvent) {
	tenant, _ := e.lastTenant.Load().(string)

	switch ev.Op {
	case OpInsert, OpUpdate:
		if ev.Entity == nil {
			// Oversized notification: the feed could not carry the payload.
			// Fall back to a full refetch rather than merging a stub.
			e.logger.Debug("Oversize realtime event, refetching",
				"collection", e.config.Collection, "id", ev.EntityID)
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("Refetch after oversize event failed",
					"collection", e.config.Collection, "error", err)
			}
			return
		}
		bucket := e.normalizeBucket(ev.Bucket)
		e.mu.Lock()
		e.buckets.Upsert(bucket, *ev.Entity)
		e.mu.Unlock()
		e.persistSnapshot(ctx, tenant)

	case OpDelete:
		if ev.EntityID == "" {
			return
		}
		// The delete event may not reliably indicate which bucket the row
		// belonged to; remove the id from every bucket.
		e.mu.Lock()
		e.buckets.Remove(ev.EntityID)
		e.mu.Unlock()
		e.persistSnapshot(ctx, tenant)

	default:
		e.logger.Warn("Unknown realtime event op",
			"collection", e.config.Collection, "op", string(ev.Op))
	}
}
