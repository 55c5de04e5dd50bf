package nats

import "log/slog"

// Option configures the NATS transport
type Option func(*Transport)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
