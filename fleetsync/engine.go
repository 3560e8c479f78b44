// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

// Package fleetsync keeps a local persisted cache of company-scoped entity
// collections consistent with an authoritative multi-tenant remote store,
// while a realtime change feed concurrently pushes edits made by other
// collaborators on the same tenant.
//
// The engine owns the in-memory bucket state and the cache snapshot; remote
// access and the change feed are injected behind small interfaces so the
// same engine serves drivers, saved tours, charges or any other
// company-scoped collection.
package fleetsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Gateway is the typed CRUD surface of the authoritative remote store.
// All operations are tenant-filtered; Create is an upsert keyed on
// (entity id, tenant id) so retries after ambiguous network failures do not
// duplicate rows.
type Gateway interface {
	FetchAll(ctx context.Context, tenantID string) (Buckets, error)
	Create(ctx context.Context, e Entity, bucket string, scope Scope) error
	CreateBatch(ctx context.Context, items []BatchItem, scope Scope, onProgress ProgressFunc) (int, error)
	Update(ctx context.Context, e Entity, bucket string, scope Scope) error
	Delete(ctx context.Context, id string, scope Scope, verify bool) error
}

// CacheStore persists the last-known-good bucket snapshot per tenant.
// Load must treat corrupt or foreign-format data as an empty cache.
type CacheStore interface {
	Persist(ctx context.Context, tenantID string, buckets Buckets) error
	Load(ctx context.Context, tenantID string) (Buckets, error)
	Clear(ctx context.Context, tenantID string) error
}

// ChangeFeed opens tenant-scoped realtime subscriptions.
type ChangeFeed interface {
	Subscribe(ctx context.Context, tenantID string) (Subscription, error)
}

// Subscription is an established change feed for one tenant. Subscribed
// fires once per (re)establishment of the underlying channel, including
// after reconnects; the engine refetches on every signal to reconcile
// events missed while disconnected. Close is idempotent.
type Subscription interface {
	Events() <-chan RealtimeEvent
	Subscribed() <-chan struct{}
	Close() error
}

// BatchItem is one pending creation in a bulk import.
type BatchItem struct {
	Entity Entity
	Bucket string
}

// ProgressFunc reports bulk-import progress after every chunk.
type ProgressFunc func(done, total int)

// CreateOptions controls a single create. Silent suppresses user-facing
// notices, used for fire-and-forget background writes.
type CreateOptions struct {
	Silent bool
}

// Config holds engine configuration for one entity collection.
type Config struct {
	Collection    string   // collection name, used for logging and notices
	Buckets       []string // full bucket set; fetch results always cover it
	DefaultBucket string   // bucket for rows with an unknown discriminator

	// VerifyDelete re-reads the entity after a privileged fallback delete
	// and fails the operation if the row is still present. Enabled by
	// default; high-trust collections must keep it on.
	VerifyDelete bool

	// NoticeThrottle rate-limits repeated identical notices (offline
	// warnings during navigation, repeated fetch failures).
	NoticeThrottle time.Duration
}

// DefaultConfig returns the standard configuration for a collection with the
// given bucket set. The first bucket is the default for rows with an unknown
// discriminator.
func DefaultConfig(collection string, buckets []string) *Config {
	cfg := &Config{
		Collection:     collection,
		Buckets:        buckets,
		VerifyDelete:   true,
		NoticeThrottle: 10 * time.Second,
	}
	if len(buckets) > 0 {
		cfg.DefaultBucket = buckets[0]
	}
	return cfg
}

// Engine synchronizes one entity collection for one tenant scope.
type Engine struct {
	gateway  Gateway
	cache    CacheStore
	feed     ChangeFeed
	tracker  *ScopeTracker
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	mu      sync.RWMutex
	buckets Buckets

	// lastTenant keys the cache fallback when the live scope is gone
	// (sign-out race, expired session).
	lastTenant atomic.Value // string

	fetchInFlight atomic.Bool

	subMu     sync.Mutex
	sub       Subscription
	subCancel context.CancelFunc
	closed    bool
}

// NewEngine creates an engine. feed and notifier may be nil: a nil feed
// disables realtime reconciliation (fetch/mutate still work), a nil notifier
// falls back to structured logging.
func NewEngine(gateway Gateway, cache CacheStore, feed ChangeFeed, tracker *ScopeTracker, notifier Notifier, config *Config, logger *slog.Logger) (*Engine, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("scope tracker cannot be nil")
	}
	if config == nil || config.Collection == "" || len(config.Buckets) == 0 {
		return nil, fmt.Errorf("config with collection and at least one bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	if config.NoticeThrottle > 0 {
		notifier = NewThrottledNotifier(notifier, config.NoticeThrottle)
	}

	return &Engine{
		gateway:  gateway,
		cache:    cache,
		feed:     feed,
		tracker:  tracker,
		notifier: notifier,
		config:   config,
		logger:   logger,
		buckets:  emptyBuckets(config.Buckets),
	}, nil
}

// Start loads the last persisted snapshot into memory and, when a scope is
// already known, establishes the realtime subscription. The initial full
// fetch is triggered by the subscription's establishment signal; without a
// feed it runs directly. ctx bounds the subscription lifetime.
func (e *Engine) Start(ctx context.Context) error {
	scope, ok := e.tracker.Current()
	if ok {
		e.lastTenant.Store(scope.TenantID)

		cached, err := e.cache.Load(ctx, scope.TenantID)
		if err != nil {
			return fmt.Errorf("failed to load cache snapshot: %w", err)
		}
		e.replaceBuckets(cached)
	}

	if !ok || e.feed == nil {
		// No feed (or no scope yet): do a direct refresh attempt. Scope
		// resolution inside Refresh may still succeed via the one-shot
		// re-resolution path.
		return e.Refresh(ctx)
	}

	if err := e.resubscribe(ctx, scope.TenantID); err != nil {
		e.logger.Warn("Realtime subscription failed, continuing without feed",
			"collection", e.config.Collection, "tenant", scope.TenantID, "error", err)
		return e.Refresh(ctx)
	}
	return nil
}

// SetScope switches the engine to a new tenant scope: the previous
// subscription is torn down first, then the feed is re-established for the
// new tenant. The refetch is driven by the new subscription's establishment
// signal.
func (e *Engine) SetScope(ctx context.Context, scope Scope) error {
	e.tracker.Set(scope)
	if scope.TenantID == "" {
		return e.Reset(ctx)
	}
	e.lastTenant.Store(scope.TenantID)

	cached, err := e.cache.Load(ctx, scope.TenantID)
	if err == nil {
		e.replaceBuckets(cached)
	}

	if e.feed == nil {
		return e.Refresh(ctx)
	}
	if err := e.resubscribe(ctx, scope.TenantID); err != nil {
		e.logger.Warn("Realtime subscription failed on scope change",
			"collection", e.config.Collection, "tenant", scope.TenantID, "error", err)
		return e.Refresh(ctx)
	}
	return nil
}

// Reset clears the in-memory state, the persisted snapshot for the last
// tenant, and the realtime subscription. Used on sign-out.
func (e *Engine) Reset(ctx context.Context) error {
	e.teardownSubscription()
	e.tracker.Set(Scope{})
	e.replaceBuckets(emptyBuckets(e.config.Buckets))

	tenant, _ := e.lastTenant.Load().(string)
	if tenant == "" {
		return nil
	}
	e.lastTenant.Store("")
	if err := e.cache.Clear(ctx, tenant); err != nil {
		return fmt.Errorf("failed to clear cache snapshot: %w", err)
	}
	return nil
}

// Close tears down the realtime subscription. Safe to call multiple times.
func (e *Engine) Close() error {
	e.subMu.Lock()
	e.closed = true
	e.subMu.Unlock()
	e.teardownSubscription()
	return nil
}

// Snapshot returns a deep copy of the current bucket state.
func (e *Engine) Snapshot() Buckets {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buckets.Clone()
}

// Bucket returns a copy of one bucket's entities.
func (e *Engine) Bucket(name string) []Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entities := e.buckets[name]
	out := make([]Entity, len(entities))
	copy(out, entities)
	return out
}

// Find returns the entity with the given id and the bucket holding it.
func (e *Engine) Find(id string) (Entity, string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buckets.Find(id)
}

// Create writes a new entity to the remote store and merges it into local
// state. The id must be a valid UUID; an empty id is assigned one. Returns
// the stored entity.
func (e *Engine) Create(ctx context.Context, entity Entity, bucket string, opts *CreateOptions) (Entity, error) {
	silent := opts != nil && opts.Silent

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	} else if _, err := uuid.Parse(entity.ID); err != nil {
		return Entity{}, fmt.Errorf("invalid entity id %q: %w", entity.ID, err)
	}
	bucket = e.normalizeBucket(bucket)

	scope, err := e.tracker.Resolve(ctx)
	if err != nil {
		if !silent {
			e.notifier.Notify(NoticeError, e.config.Collection+": you must be signed in")
		}
		return Entity{}, err
	}

	if err := e.gateway.Create(ctx, entity, bucket, scope); err != nil {
		e.logger.Error("Create failed", "collection", e.config.Collection,
			"tenant", scope.TenantID, "id", entity.ID, "error", err)
		if !silent {
			e.notifier.Notify(NoticeError, e.config.Collection+": create failed")
		}
		return Entity{}, err
	}

	e.mergeAndPersist(ctx, scope.TenantID, bucket, entity)
	if !silent {
		e.notifier.Notify(NoticeSuccess, e.config.Collection+": created")
	}
	return entity, nil
}

// CreateBatch bulk-imports entities through the gateway's chunked insert
// path and then triggers a full refresh to reconcile local state with the
// actual insert outcome (partial chunk failures are acceptable). Returns the
// number of rows actually inserted.
func (e *Engine) CreateBatch(ctx context.Context, items []BatchItem, onProgress ProgressFunc) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	for i := range items {
		if items[i].Entity.ID == "" {
			items[i].Entity.ID = uuid.New().String()
		}
		items[i].Bucket = e.normalizeBucket(items[i].Bucket)
	}

	scope, err := e.tracker.Resolve(ctx)
	if err != nil {
		return 0, err
	}

	inserted, err := e.gateway.CreateBatch(ctx, items, scope, onProgress)
	if err != nil {
		return inserted, fmt.Errorf("batch import failed: %w", err)
	}

	if refreshErr := e.Refresh(ctx); refreshErr != nil {
		e.logger.Warn("Post-import refresh failed", "collection", e.config.Collection, "error", refreshErr)
	}
	return inserted, nil
}

// Update replaces the entity's remote record and merges the new value into
// local state. Moving an entity between buckets goes through the same path:
// the merge removes the id from its previous bucket.
func (e *Engine) Update(ctx context.Context, entity Entity, bucket string) error {
	if _, err := uuid.Parse(entity.ID); err != nil {
		return fmt.Errorf("invalid entity id %q: %w", entity.ID, err)
	}
	bucket = e.normalizeBucket(bucket)

	scope, err := e.tracker.Resolve(ctx)
	if err != nil {
		e.notifier.Notify(NoticeError, e.config.Collection+": you must be signed in")
		return err
	}

	if err := e.gateway.Update(ctx, entity, bucket, scope); err != nil {
		e.logger.Error("Update failed", "collection", e.config.Collection,
			"tenant", scope.TenantID, "id", entity.ID, "error", err)
		e.notifier.Notify(NoticeError, e.config.Collection+": update failed")
		return err
	}

	e.mergeAndPersist(ctx, scope.TenantID, bucket, entity)
	e.notifier.Notify(NoticeSuccess, e.config.Collection+": updated")
	return nil
}

// Delete removes the entity remotely, falling back to the privileged
// server-side procedure when row-level policies reject the direct delete and
// the acting user holds an elevated role. Local state is only updated after
// the remote outcome is confirmed.
func (e *Engine) Delete(ctx context.Context, id string) error {
	scope, err := e.tracker.Resolve(ctx)
	if err != nil {
		e.notifier.Notify(NoticeError, e.config.Collection+": you must be signed in")
		return err
	}

	if err := e.gateway.Delete(ctx, id, scope, e.config.VerifyDelete); err != nil {
		e.logger.Error("Delete failed", "collection", e.config.Collection,
			"tenant", scope.TenantID, "id", id, "error", err)
		e.notifier.Notify(NoticeError, e.config.Collection+": deletion refused")
		return err
	}

	e.mu.Lock()
	e.buckets.Remove(id)
	e.mu.Unlock()
	e.persistSnapshot(ctx, scope.TenantID)

	e.notifier.Notify(NoticeSuccess, e.config.Collection+": deleted")
	return nil
}

// normalizeBucket maps unknown bucket names to the configured default, the
// same routing the fetch path applies to unknown discriminator values.
func (e *Engine) normalizeBucket(bucket string) string {
	for _, name := range e.config.Buckets {
		if name == bucket {
			return bucket
		}
	}
	return e.config.DefaultBucket
}

func (e *Engine) mergeAndPersist(ctx context.Context, tenantID, bucket string, entity Entity) {
	e.mu.Lock()
	e.buckets.Upsert(bucket, entity)
	e.mu.Unlock()
	e.persistSnapshot(ctx, tenantID)
}

func (e *Engine) replaceBuckets(next Buckets) {
	normalized := emptyBuckets(e.config.Buckets)
	for name, entities := range next {
		target := e.normalizeBucket(name)
		normalized[target] = append(normalized[target], entities...)
	}
	e.mu.Lock()
	e.buckets = normalized
	e.mu.Unlock()
}

// persistSnapshot writes the current bucket state to the cache store. The
// snapshot is cloned under the read lock and persisted outside it so slow
// disks never block merges.
func (e *Engine) persistSnapshot(ctx context.Context, tenantID string) {
	if tenantID == "" {
		return
	}
	snapshot := e.Snapshot()
	if err := e.cache.Persist(ctx, tenantID, snapshot); err != nil {
		e.logger.Warn("Failed to persist cache snapshot",
			"collection", e.config.Collection, "tenant", tenantID, "error", err)
	}
}
