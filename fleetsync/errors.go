// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"errors"
)

// Error taxonomy for sync operations. Gateway implementations wrap these
// sentinels so callers can classify failures with errors.Is regardless of
// the underlying driver error.
var (
	// ErrContextUnavailable means the tenant/user scope could not be
	// resolved, even after the one-shot direct re-resolution.
	ErrContextUnavailable = errors.New("sync context unavailable")

	// ErrAuthorizationDenied means the remote store rejected a write under
	// its row-level policies. For deletes this triggers the permission
	// fallback; for creates and updates it is surfaced directly.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrDeletionRefused means a delete was denied and the acting user does
	// not hold an elevated role, so no privileged fallback applies.
	ErrDeletionRefused = errors.New("deletion refused")

	// ErrVerificationFailed means the privileged fallback reported success
	// but the entity was still present on re-read. Silent partial failures
	// in the authorization layer must never be reported as success.
	ErrVerificationFailed = errors.New("delete verification failed")
)
