package manager

import (
	"log/slog"
	"time"
)

const (
	// DefaultPollInterval is the sleep between unsuccessful read polls.
	DefaultPollInterval = 100 * time.Millisecond
)

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger replaces the package logger. nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPollInterval sets the sleep between empty read polls. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithWriteBackoff sets a fixed delay between write attempts (default none).
func WithWriteBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.writeBackoff = d
		}
	}
}

// WithEventHook registers fn to observe slot transitions. fn runs with the
// slot lock held and must neither block nor call back into the Manager.
func WithEventHook(fn func(Event)) Option { return func(m *Manager) { m.onEvent = fn } }
