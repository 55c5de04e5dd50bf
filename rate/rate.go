// Package rate provides local rate limiting for message dispatch.
//
// Consumers registered with a MessagesPerSecond limit throttle their
// dispatch through a token bucket so a hot topic cannot exhaust handler
// resources.
package rate

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles message dispatch. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether a message may be dispatched right now.
	Allow() bool

	// Wait blocks until a message may be dispatched or ctx is cancelled.
	Wait(ctx context.Context) error
}

// TokenBucket is an in-process token bucket limiter built on
// golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a limiter permitting perSecond sustained events
// with the given burst capacity.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether an event may happen now.
func (t *TokenBucket) Allow() bool {
	return t.limiter.Allow()
}

// Wait blocks until an event may happen or ctx is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
