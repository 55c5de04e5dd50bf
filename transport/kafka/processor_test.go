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

// fakeCommitter records offset marks and commit calls.
type fakeCommitter struct {
	mu      sync.Mutex
	marks   []int64
	commits int
}

func (f *fakeCommitter) MarkOffset(topic string, partition int32, offset int64) {
	f.mu.Lock()
	f.marks = append(f.marks, offset)
	f.mu.Unlock()
}

func (f *fakeCommitter) Commit() {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
}

func (f *fakeCommitter) snapshot() ([]int64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.marks...), f.commits
}

func record(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "t",
		Partition: 0,
		Offset:    offset,
		Value:     []byte("payload"),
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOffsetTracker(t *testing.T) {
	tr := newOffsetTracker()
	tr.Observe(5)

	if frontier, ok := tr.Frontier(); frontier != 5 || ok {
		t.Fatalf("expected frontier 5 not committable, got %d %v", frontier, ok)
	}

	// Out-of-order completion: 7 completes first, frontier stays put.
	if frontier, ok := tr.Complete(7); frontier != 5 || ok {
		t.Fatalf("after Complete(7): expected 5/false, got %d/%v", frontier, ok)
	}
	if frontier, ok := tr.Complete(5); frontier != 6 || !ok {
		t.Fatalf("after Complete(5): expected 6/true, got %d/%v", frontier, ok)
	}
	// 6 completes, frontier jumps over the previously completed 7.
	if frontier, ok := tr.Complete(6); frontier != 8 || !ok {
		t.Fatalf("after Complete(6): expected 8/true, got %d/%v", frontier, ok)
	}
}

func TestConsumerProcessorCompletionOrderedCommits(t *testing.T) {
	committer := &fakeCommitter{}
	release := make(chan struct{})
	var completedLate sync.WaitGroup

	spec := transport.ConsumerSpec{
		Topic:           "t",
		Group:           "g",
		Instances:       3,
		CheckpointCount: 1, // fire on every completion
		Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
			if m.Offset == 0 {
				<-release
			}
			return nil
		},
	}
	p := newConsumerProcessor(spec, topicPartition{topic: "t", partition: 0}, committer, slog.Default())

	completedLate.Add(1)
	go func() {
		defer completedLate.Done()
		p.OnMessage(context.Background(), record(0))
	}()
	waitUntil(t, func() bool {
		p.tracker.mu.Lock()
		defer p.tracker.mu.Unlock()
		return p.tracker.started
	}, "offset 0 not observed")
	p.OnMessage(context.Background(), record(1))
	p.OnMessage(context.Background(), record(2))

	// Offsets 1 and 2 complete while 0 is in flight: nothing may commit.
	waitUntil(t, func() bool {
		p.tracker.mu.Lock()
		defer p.tracker.mu.Unlock()
		return p.tracker.frontier == 0 && len(p.tracker.done) == 2
	}, "offsets 1 and 2 did not complete")
	if marks, _ := committer.snapshot(); len(marks) != 0 {
		t.Fatalf("committed %v while offset 0 was in flight", marks)
	}

	close(release)
	completedLate.Wait()

	waitUntil(t, func() bool {
		marks, _ := committer.snapshot()
		return len(marks) == 1
	}, "no commit after offset 0 completed")

	marks, commits := committer.snapshot()
	if diff := cmp.Diff([]int64{3}, marks); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
	if commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}
}

func TestConsumerProcessorSerialByDefault(t *testing.T) {
	committer := &fakeCommitter{}
	var order []int64
	var mu sync.Mutex

	spec := transport.ConsumerSpec{
		Topic:           "t",
		Group:           "g",
		Instances:       1,
		CheckpointCount: 100,
		Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
			mu.Lock()
			order = append(order, m.Offset)
			mu.Unlock()
			return nil
		},
	}
	p := newConsumerProcessor(spec, topicPartition{topic: "t", partition: 0}, committer, slog.Default())

	for i := int64(0); i < 20; i++ {
		p.OnMessage(context.Background(), record(i))
	}
	p.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, off := range order {
		if off != int64(i) {
			t.Fatalf("dispatch order broken at %d: got offset %d", i, off)
		}
	}
}

func TestConsumerProcessorEndReachedFlushes(t *testing.T) {
	committer := &fakeCommitter{}
	spec := transport.ConsumerSpec{
		Topic:           "t",
		Group:           "g",
		CheckpointCount: 100, // trigger never fires on count
		Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
			return nil
		},
	}
	p := newConsumerProcessor(spec, topicPartition{topic: "t", partition: 0}, committer, slog.Default())

	for i := int64(0); i < 3; i++ {
		p.OnMessage(context.Background(), record(i))
	}
	p.wg.Wait()

	if marks, _ := committer.snapshot(); len(marks) != 0 {
		t.Fatalf("unexpected commit before end reached: %v", marks)
	}
	p.OnPartitionEndReached()

	marks, commits := committer.snapshot()
	if diff := cmp.Diff([]int64{3}, marks); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
	if commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}

	// A second flush without progress commits nothing.
	p.OnPartitionEndReached()
	if marks, _ := committer.snapshot(); len(marks) != 1 {
		t.Errorf("expected no additional marks, got %v", marks)
	}
}

func TestConsumerProcessorRevokeDrainsWithoutCommit(t *testing.T) {
	committer := &fakeCommitter{}
	started := make(chan struct{})
	release := make(chan struct{})

	spec := transport.ConsumerSpec{
		Topic:           "t",
		Group:           "g",
		CheckpointCount: 1,
		Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
			close(started)
			<-release
			return nil
		},
	}
	p := newConsumerProcessor(spec, topicPartition{topic: "t", partition: 0}, committer, slog.Default())

	p.OnMessage(context.Background(), record(0))
	<-started

	revoked := make(chan struct{})
	go func() {
		p.OnPartitionRevoked()
		close(revoked)
	}()

	select {
	case <-revoked:
		t.Fatal("revocation acknowledged while dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-revoked:
	case <-time.After(time.Second):
		t.Fatal("revocation did not complete after drain")
	}

	// The in-flight message finished but its offset was not committed;
	// the next owner observes it as a redelivery.
	if marks, commits := committer.snapshot(); len(marks) != 0 || commits != 0 {
		t.Errorf("expected no commits after revoke, got marks=%v commits=%d", marks, commits)
	}
}

func TestResponseProcessorCheckpointCadence(t *testing.T) {
	committer := &fakeCommitter{}
	var dispatched []int64

	spec := transport.ConsumerSpec{
		Topic:           "resp",
		Group:           "g",
		Kind:            transport.KindResponse,
		CheckpointCount: 2,
		Dispatch: func(ctx context.Context, m transport.InboundMessage) error {
			dispatched = append(dispatched, m.Offset)
			return nil
		},
	}
	p := newResponseProcessor(spec, topicPartition{topic: "resp", partition: 0}, committer, slog.Default())

	p.OnMessage(context.Background(), record(5))
	if marks, _ := committer.snapshot(); len(marks) != 0 {
		t.Fatalf("committed after a single message: %v", marks)
	}
	p.OnMessage(context.Background(), record(6))

	marks, commits := committer.snapshot()
	if diff := cmp.Diff([]int64{7}, marks); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
	if commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}

	p.OnMessage(context.Background(), record(7))
	p.OnPartitionEndReached()
	marks, _ = committer.snapshot()
	if diff := cmp.Diff([]int64{7, 8}, marks); diff != "" {
		t.Errorf("marks after flush mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int64{5, 6, 7}, dispatched); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessorFactorySelectsVariantByKind(t *testing.T) {
	committer := &fakeCommitter{}
	dispatch := func(ctx context.Context, m transport.InboundMessage) error { return nil }

	consumer := newPartitionProcessor(transport.ConsumerSpec{Kind: transport.KindConsumer, Dispatch: dispatch},
		topicPartition{topic: "t", partition: 0}, committer, slog.Default())
	if _, ok := consumer.(*consumerProcessor); !ok {
		t.Errorf("expected consumerProcessor, got %T", consumer)
	}

	response := newPartitionProcessor(transport.ConsumerSpec{Kind: transport.KindResponse, Dispatch: dispatch},
		topicPartition{topic: "t", partition: 0}, committer, slog.Default())
	if _, ok := response.(*responseProcessor); !ok {
		t.Errorf("expected responseProcessor, got %T", response)
	}
}
