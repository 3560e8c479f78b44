// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/optiflow/go-fleetsync/internal/auth"
)

// Scope identifies the tenant and acting user every operation runs under.
// All reads and writes are filtered by TenantID; UserID is used only for
// write attribution and the privileged-fallback permission check.
type Scope struct {
	TenantID string
	UserID   string
}

// SessionProvider resolves the currently signed-in user. Implemented by the
// JWT session validator or any external auth provider.
type SessionProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// MembershipResolver maps a user to their active tenant.
type MembershipResolver interface {
	TenantIDForUser(ctx context.Context, userID string) (string, error)
}

// ScopeTracker holds the current sync scope as a single mutable cell.
//
// Operations that suspend on network calls must read the scope at resolution
// time, not capture it at call time: the owning session can refresh or switch
// tenants while a call from an earlier state is still in flight. Every read
// goes through Current/Resolve so late completions observe the freshest
// known scope.
type ScopeTracker struct {
	cell atomic.Pointer[Scope]

	session    SessionProvider
	membership MembershipResolver
}

// NewScopeTracker creates a tracker. session and membership may be nil when
// the caller always sets the scope explicitly; Resolve then fails with
// ErrContextUnavailable instead of re-resolving.
func NewScopeTracker(session SessionProvider, membership MembershipResolver) *ScopeTracker {
	return &ScopeTracker{session: session, membership: membership}
}

// Set replaces the current scope. Passing the zero Scope clears it.
func (t *ScopeTracker) Set(scope Scope) {
	if scope == (Scope{}) {
		t.cell.Store(nil)
		return
	}
	t.cell.Store(&scope)
}

// Current returns the freshest known scope without any remote calls.
func (t *ScopeTracker) Current() (Scope, bool) {
	p := t.cell.Load()
	if p == nil || p.TenantID == "" {
		return Scope{}, false
	}
	return *p, true
}

// Resolve returns the current scope, attempting a one-shot direct
// re-resolution through the auth and membership services when no scope is
// set yet. The re-resolved scope is stored so later readers see it too.
func (t *ScopeTracker) Resolve(ctx context.Context) (Scope, error) {
	if scope, ok := t.Current(); ok {
		return scope, nil
	}

	// Request-carried identity (middleware-injected) beats a remote round
	// trip when the tracker cell is empty.
	if userID, ok := auth.GetUserID(ctx); ok {
		if tenantID, ok := auth.GetTenantID(ctx); ok && tenantID != "" && userID != "" {
			scope := Scope{TenantID: tenantID, UserID: userID}
			t.Set(scope)
			return scope, nil
		}
	}

	if t.session == nil || t.membership == nil {
		return Scope{}, ErrContextUnavailable
	}

	userID, err := t.session.CurrentUserID(ctx)
	if err != nil || userID == "" {
		return Scope{}, fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}
	tenantID, err := t.membership.TenantIDForUser(ctx, userID)
	if err != nil || tenantID == "" {
		return Scope{}, fmt.Errorf("%w: no tenant for user: %v", ErrContextUnavailable, err)
	}

	scope := Scope{TenantID: tenantID, UserID: userID}
	t.Set(scope)
	return scope, nil
}
