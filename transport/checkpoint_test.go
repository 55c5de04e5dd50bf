package transport

import (
	"testing"
	"time"
)

func TestCheckpointTriggerCountThreshold(t *testing.T) {
	trigger := NewCheckpointTrigger(3, time.Hour)

	for round := 0; round < 3; round++ {
		if trigger.Increment() {
			t.Fatalf("round %d: fired after 1 message", round)
		}
		if trigger.Increment() {
			t.Fatalf("round %d: fired after 2 messages", round)
		}
		if !trigger.Increment() {
			t.Fatalf("round %d: did not fire after 3 messages", round)
		}
	}
}

func TestCheckpointTriggerDurationThreshold(t *testing.T) {
	trigger := NewCheckpointTrigger(1000, 20*time.Millisecond)

	if trigger.Increment() {
		t.Fatal("fired before duration elapsed")
	}
	time.Sleep(30 * time.Millisecond)
	if !trigger.Increment() {
		t.Fatal("did not fire after duration elapsed")
	}
	// Firing resets the clock.
	if trigger.Increment() {
		t.Fatal("fired again immediately after firing")
	}
}

func TestCheckpointTriggerReset(t *testing.T) {
	trigger := NewCheckpointTrigger(2, time.Hour)

	trigger.Increment()
	trigger.Reset()
	trigger.Reset() // idempotent

	if trigger.Increment() {
		t.Fatal("fired after reset with a single message")
	}
	if !trigger.Increment() {
		t.Fatal("did not fire after count reached post-reset")
	}
}

func TestCheckpointTriggerDefaults(t *testing.T) {
	trigger := NewCheckpointTrigger(0, 0)

	for i := 0; i < DefaultCheckpointCount-1; i++ {
		if trigger.Increment() {
			t.Fatalf("fired after %d messages, default count is %d", i+1, DefaultCheckpointCount)
		}
	}
	if !trigger.Increment() {
		t.Fatalf("did not fire after %d messages", DefaultCheckpointCount)
	}
}
