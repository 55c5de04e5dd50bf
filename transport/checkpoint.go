package transport

import (
	"sync"
	"time"
)

// Checkpoint trigger defaults
var (
	DefaultCheckpointCount    = 10
	DefaultCheckpointDuration = 5 * time.Second
)

// CheckpointTrigger decides when a partition processor should commit
// offsets: after a number of messages or after a duration since the last
// commit, whichever comes first. Safe for concurrent use.
type CheckpointTrigger struct {
	mu       sync.Mutex
	count    int
	duration time.Duration
	seen     int
	last     time.Time
}

// NewCheckpointTrigger creates a trigger. Non-positive parameters fall back
// to the defaults (count 10, duration 5s).
func NewCheckpointTrigger(count int, duration time.Duration) *CheckpointTrigger {
	if count <= 0 {
		count = DefaultCheckpointCount
	}
	if duration <= 0 {
		duration = DefaultCheckpointDuration
	}
	return &CheckpointTrigger{
		count:    count,
		duration: duration,
		last:     time.Now(),
	}
}

// Increment records one processed message. Returns true when the trigger
// fires; firing resets both the message counter and the duration clock.
func (t *CheckpointTrigger) Increment() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen++
	if t.seen >= t.count || time.Since(t.last) >= t.duration {
		t.reset()
		return true
	}
	return false
}

// Reset clears both counters. Idempotent.
func (t *CheckpointTrigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *CheckpointTrigger) reset() {
	t.seen = 0
	t.last = time.Now()
}
