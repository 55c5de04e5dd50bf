package kafka

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/go-cmp/cmp"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// fakeSession scripts a sarama consumer-group session.
type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu      sync.Mutex
	marks   map[topicPartition][]int64
	commits int
}

func newFakeSession(ctx context.Context, claims map[string][]int32) *fakeSession {
	return &fakeSession{
		ctx:    ctx,
		claims: claims,
		marks:  make(map[topicPartition][]int64),
	}
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	tp := topicPartition{topic: topic, partition: partition}
	s.marks[tp] = append(s.marks[tp], offset)
	s.mu.Unlock()
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string)                 {}

func (s *fakeSession) marksFor(tp topicPartition) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marks[tp]...)
}

// fakeClaim feeds scripted records for one partition.
type fakeClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                                 { return c.topic }
func (c *fakeClaim) Partition() int32                              { return c.partition }
func (c *fakeClaim) InitialOffset() int64                          { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                    { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage      { return c.messages }

var (
	_ sarama.ConsumerGroupSession = (*fakeSession)(nil)
	_ sarama.ConsumerGroupClaim   = (*fakeClaim)(nil)
)

func TestGroupHandlerLifecycle(t *testing.T) {
	var mu sync.Mutex
	var dispatched []int64

	specs := map[string]transport.ConsumerSpec{
		"orders": {
			Topic:              "orders",
			Group:              "g",
			Kind:               transport.KindConsumer,
			Instances:          1,
			CheckpointCount:    2,
			CheckpointDuration: time.Hour,
			Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
				mu.Lock()
				dispatched = append(dispatched, m.Offset)
				mu.Unlock()
				return nil
			},
		},
	}
	g := newGroupConsumer("g", specs, nil, slog.Default())
	handler := &groupHandler{g: g}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := newFakeSession(ctx, map[string][]int32{"orders": {0}})

	if err := handler.Setup(session); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	tp := topicPartition{topic: "orders", partition: 0}
	if handler.processor(tp) == nil {
		t.Fatal("expected a processor for the assigned partition")
	}

	claim := &fakeClaim{topic: "orders", partition: 0, messages: make(chan *sarama.ConsumerMessage)}
	done := make(chan error, 1)
	go func() {
		done <- handler.ConsumeClaim(session, claim)
	}()

	for i := int64(0); i < 5; i++ {
		msg := record(i)
		msg.Topic = "orders"
		claim.messages <- msg
	}
	close(claim.messages)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ConsumeClaim failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ConsumeClaim did not return after claim closed")
	}

	mu.Lock()
	gotDispatched := append([]int64(nil), dispatched...)
	mu.Unlock()
	if diff := cmp.Diff([]int64{0, 1, 2, 3, 4}, gotDispatched); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}

	// Count trigger fires after offsets 1 and 3; claim close flushes 5.
	// Every mark is strictly higher than the previous one.
	marks := session.marksFor(tp)
	if diff := cmp.Diff([]int64{2, 4, 5}, marks); diff != "" {
		t.Errorf("committed offsets mismatch (-want +got):\n%s", diff)
	}

	if err := handler.Cleanup(session); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if handler.processor(tp) != nil {
		t.Error("expected processors dropped after cleanup")
	}
}

func TestGroupHandlerIgnoresUnknownTopic(t *testing.T) {
	g := newGroupConsumer("g", map[string]transport.ConsumerSpec{}, nil, slog.Default())
	handler := &groupHandler{g: g}

	ctx := context.Background()
	session := newFakeSession(ctx, map[string][]int32{"mystery": {0}})
	if err := handler.Setup(session); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	claim := &fakeClaim{topic: "mystery", partition: 0, messages: make(chan *sarama.ConsumerMessage)}
	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Errorf("expected nil for unassigned topic, got %v", err)
	}
}
