package channel

import "log/slog"

// Option configures the channel transport
type Option func(*Transport)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithBufferSize sets the per-partition queue depth for each group.
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithDefaultPartitions sets the partition count for topics without an
// explicit override. Default 1.
func WithDefaultPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.defaultPartitions = n
		}
	}
}

// WithTopicPartitions sets the partition count for one topic.
func WithTopicPartitions(topic string, n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.topicPartitions[topic] = n
		}
	}
}
