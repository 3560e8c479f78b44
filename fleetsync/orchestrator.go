// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"errors"
)

// Refresh performs a full-collection fetch and replaces the in-memory
// buckets and the persisted snapshot. It coordinates all refresh triggers
// (session start, resubscription, manual demand): while a fetch is already
// in flight additional triggers are dropped, so overlapping fetches for the
// same scope never race.
//
// Read-path failures degrade to cached data with a non-fatal offline notice;
// Refresh returns an error only for cache-store faults.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.fetchInFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.fetchInFlight.Store(false)

	scope, err := e.tracker.Resolve(ctx)
	if err != nil {
		if errors.Is(err, ErrContextUnavailable) {
			// Not signed in yet. Show cached data silently; auth becoming
			// available will trigger the next refresh.
			return e.fallBackToCache(ctx, false)
		}
		return err
	}
	e.lastTenant.Store(scope.TenantID)

	fetched, err := e.gateway.FetchAll(ctx, scope.TenantID)
	if err != nil {
		e.logger.Warn("Full fetch failed, serving cached data",
			"collection", e.config.Collection, "tenant", scope.TenantID, "error", err)
		return e.fallBackToCache(ctx, true)
	}

	e.replaceBuckets(fetched)
	e.persistSnapshot(ctx, scope.TenantID)
	e.logger.Debug("Collection refreshed",
		"collection", e.config.Collection, "tenant", scope.TenantID, "entities", fetched.Len())
	return nil
}

// fallBackToCache loads the last persisted snapshot for the most recent
// tenant into memory. With no known tenant the buckets stay empty. notify
// controls the stale-data notice; context-unavailable fallbacks stay quiet
// to avoid spamming during app start.
func (e *Engine) fallBackToCache(ctx context.Context, notify bool) error {
	tenant, _ := e.lastTenant.Load().(string)
	if tenant == "" {
		e.replaceBuckets(emptyBuckets(e.config.Buckets))
		return nil
	}

	cached, err := e.cache.Load(ctx, tenant)
	if err != nil {
		return err
	}
	e.replaceBuckets(cached)

	if notify && cached.Len() > 0 {
		e.notifier.Notify(NoticeWarning, e.config.Collection+": offline, showing cached data")
	}
	return nil
}
