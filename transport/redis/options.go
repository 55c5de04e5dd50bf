package redis

import (
	"log/slog"
	"time"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithSyncTimeout bounds individual Redis operations (XADD, XACK).
// Default 5s.
func WithSyncTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.syncTimeout = d
		}
	}
}

// WithBlockTime sets how long XREADGROUP blocks waiting for entries.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithReadCount sets the max entries fetched per XREADGROUP call.
func WithReadCount(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readCount = n
		}
	}
}
