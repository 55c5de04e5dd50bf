package slimbus

import (
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// sweepInterval bounds how late after its deadline a pending request can
// fail with ErrRequestTimeout.
const sweepInterval = 250 * time.Millisecond

// requestOutcome is the terminal state of a pending request.
type requestOutcome struct {
	payload any
	err     error
}

// pendingRequest is one outstanding Send awaiting its correlated response.
type pendingRequest struct {
	id           string
	responseType reflect.Type
	deadline     time.Time
	done         chan requestOutcome
	once         sync.Once
}

// complete delivers the terminal outcome exactly once. Later calls are
// no-ops, so a response racing a timeout or cancellation is harmless.
func (p *pendingRequest) complete(out requestOutcome) {
	p.once.Do(func() {
		p.done <- out
	})
}

// correlationRegistry maps correlation ids to pending requests. It is the
// only mutable shared state on the request hot path; all operations hold a
// single mutex for the map manipulation only; completion happens outside
// the lock.
type correlationRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
}

func newCorrelationRegistry(logger *slog.Logger) *correlationRegistry {
	return &correlationRegistry{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// Register creates a pending entry for a fresh correlation id.
func (r *correlationRegistry) Register(id string, responseType reflect.Type, deadline time.Time) *pendingRequest {
	p := &pendingRequest{
		id:           id,
		responseType: responseType,
		deadline:     deadline,
		done:         make(chan requestOutcome, 1),
	}
	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()
	return p
}

// Take removes and returns the entry for id, if known. The caller completes
// it. Unknown ids mean the request already timed out, was cancelled, or was
// never ours; such responses are dropped.
func (r *correlationRegistry) Take(id string) (*pendingRequest, bool) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	return p, ok
}

// TryResolve completes the entry for id with a response payload.
// Returns whether the id was known.
func (r *correlationRegistry) TryResolve(id string, payload any) bool {
	p, ok := r.Take(id)
	if !ok {
		return false
	}
	p.complete(requestOutcome{payload: payload})
	return true
}

// TryFail completes the entry for id with an error.
// Returns whether the id was known.
func (r *correlationRegistry) TryFail(id string, err error) bool {
	p, ok := r.Take(id)
	if !ok {
		return false
	}
	p.complete(requestOutcome{err: err})
	return true
}

// SweepExpired removes and fails every entry whose deadline has passed.
// Returns the number of entries failed.
func (r *correlationRegistry) SweepExpired(now time.Time) int {
	var expired []*pendingRequest
	r.mu.Lock()
	for id, p := range r.pending {
		if !p.deadline.After(now) {
			delete(r.pending, id)
			expired = append(expired, p)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.complete(requestOutcome{err: ErrRequestTimeout})
	}
	if len(expired) > 0 {
		r.logger.Debug("expired pending requests", "count", len(expired))
	}
	return len(expired)
}

// FailAll removes and fails every entry. Used at bus shutdown.
func (r *correlationRegistry) FailAll(err error) {
	r.mu.Lock()
	remaining := make([]*pendingRequest, 0, len(r.pending))
	for id, p := range r.pending {
		delete(r.pending, id)
		remaining = append(remaining, p)
	}
	r.mu.Unlock()

	for _, p := range remaining {
		p.complete(requestOutcome{err: err})
	}
}

// Len returns the number of outstanding requests.
func (r *correlationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
