// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"log/slog"
	"sync"
	"time"
)

// NoticeKind classifies a user-facing notification.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeInfo    NoticeKind = "info"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

// Notifier is the UI notification sink. The engine reports operation
// outcomes and offline/stale-data notices through it; rendering is out of
// scope.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// LogNotifier routes notices to a structured logger. It is the default sink
// for headless deployments and tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(kind NoticeKind, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case NoticeError:
		logger.Error(message, "notice", kind)
	case NoticeWarning:
		logger.Warn(message, "notice", kind)
	default:
		logger.Info(message, "notice", kind)
	}
}

// ThrottledNotifier suppresses repeats of the same warning or error message
// within the configured interval. Failed fetches during navigation would
// otherwise spam the sink with identical offline notices. Success and info
// notices always pass through: each one confirms a distinct operation.
type ThrottledNotifier struct {
	Inner    Notifier
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time // test hook
}

// NewThrottledNotifier wraps inner with per-message rate limiting.
func NewThrottledNotifier(inner Notifier, interval time.Duration) *ThrottledNotifier {
	return &ThrottledNotifier{
		Inner:    inner,
		Interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (n *ThrottledNotifier) Notify(kind NoticeKind, message string) {
	if kind != NoticeWarning && kind != NoticeError {
		n.Inner.Notify(kind, message)
		return
	}

	n.mu.Lock()
	now := n.now()
	key := string(kind) + "\x00" + message
	if at, ok := n.last[key]; ok && now.Sub(at) < n.Interval {
		n.mu.Unlock()
		return
	}
	n.last[key] = now
	n.mu.Unlock()

	n.Inner.Notify(kind, message)
}
