package kafka

import (
	"log/slog"
	"time"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTopicProvision creates missing consumer topics at Start with the
// given partition count and replication factor. Disabled by default; in
// production topics are usually managed outside the bus.
func WithTopicProvision(partitions int32, replication int16) Option {
	return func(t *Transport) {
		if partitions > 0 {
			t.provisionPartitions = partitions
		}
		if replication > 0 {
			t.provisionReplication = replication
		}
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight dispatches
// to drain. Default 30s.
func WithCloseTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.closeTimeout = d
		}
	}
}
