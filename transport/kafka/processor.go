package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// topicPartition identifies one assigned partition.
type topicPartition struct {
	topic     string
	partition int32
}

func (tp topicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.topic, tp.partition)
}

// committer is the commit controller handle a processor holds back to its
// group consumer's session. Offsets only ever advance through it.
type committer interface {
	MarkOffset(topic string, partition int32, offset int64)
	Commit()
}

// partitionProcessor turns raw records on one partition into dispatches
// and manages checkpointing. Two variants exist: the consumer processor
// (handler/subscriber dispatch with bounded concurrency) and the response
// processor (correlation routing, serial).
type partitionProcessor interface {
	TopicPartition() topicPartition

	// OnMessage dispatches one record. Records arrive in partition order.
	OnMessage(ctx context.Context, msg *sarama.ConsumerMessage)

	// OnPartitionEndReached flushes pending offsets before the partition
	// idles.
	OnPartitionEndReached()

	// OnPartitionRevoked drains in-flight dispatches and resets the
	// checkpoint trigger without committing; the next owner observes the
	// uncommitted records as redeliveries.
	OnPartitionRevoked()
}

// newPartitionProcessor picks the processor variant for a spec.
func newPartitionProcessor(spec transport.ConsumerSpec, tp topicPartition, c committer, logger *slog.Logger) partitionProcessor {
	if spec.Kind == transport.KindResponse {
		return newResponseProcessor(spec, tp, c, logger)
	}
	return newConsumerProcessor(spec, tp, c, logger)
}

// inbound converts a sarama record into the transport's inbound shape.
func inbound(msg *sarama.ConsumerMessage) transport.InboundMessage {
	var headers map[string][]byte
	if len(msg.Headers) > 0 {
		headers = make(map[string][]byte, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = h.Value
		}
	}
	return transport.InboundMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Headers:   headers,
		Payload:   msg.Value,
	}
}

// offsetTracker computes the committable frontier for one partition when
// handlers complete out of order: an offset becomes committable only once
// every earlier offset on the partition has completed.
type offsetTracker struct {
	mu       sync.Mutex
	started  bool
	initial  int64
	frontier int64 // lowest offset whose completion is still awaited
	done     map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{done: make(map[int64]struct{})}
}

// Observe records an arriving offset. Records arrive in partition order,
// so the first observed offset seeds the frontier.
func (t *offsetTracker) Observe(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.initial = offset
		t.frontier = offset
	}
}

// Complete marks an offset done and advances the contiguous frontier.
// Returns the frontier (the next offset the group should consume) and
// whether it has advanced past the initial position.
func (t *offsetTracker) Complete(offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[offset] = struct{}{}
	for {
		if _, ok := t.done[t.frontier]; !ok {
			break
		}
		delete(t.done, t.frontier)
		t.frontier++
	}
	return t.frontier, t.started && t.frontier > t.initial
}

// Frontier returns the current frontier and whether it is committable.
func (t *offsetTracker) Frontier() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frontier, t.started && t.frontier > t.initial
}

// consumerProcessor dispatches records to the bus pipeline with up to
// Instances concurrent in-flight dispatches. Dispatch starts in record
// order; commits are completion-ordered via the offset tracker so no
// offset is committed before all earlier offsets have completed.
type consumerProcessor struct {
	tp        topicPartition
	spec      transport.ConsumerSpec
	committer committer
	trigger   *transport.CheckpointTrigger
	tracker   *offsetTracker
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	logger    *slog.Logger
	revoked   atomic.Bool

	mu         sync.Mutex
	lastMarked int64
	markedAny  bool
}

func newConsumerProcessor(spec transport.ConsumerSpec, tp topicPartition, c committer, logger *slog.Logger) *consumerProcessor {
	instances := spec.Instances
	if instances < 1 {
		instances = 1
	}
	return &consumerProcessor{
		tp:        tp,
		spec:      spec,
		committer: c,
		trigger:   transport.NewCheckpointTrigger(spec.CheckpointCount, spec.CheckpointDuration),
		tracker:   newOffsetTracker(),
		sem:       semaphore.NewWeighted(int64(instances)),
		logger:    logger.With("topic", tp.topic, "partition", tp.partition),
	}
}

func (p *consumerProcessor) TopicPartition() topicPartition {
	return p.tp
}

func (p *consumerProcessor) OnMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	p.tracker.Observe(msg.Offset)

	// Acquiring in the claim loop preserves record order into the pool.
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		if err := p.spec.Dispatch(ctx, inbound(msg)); err != nil {
			p.logger.Debug("dispatch aborted", "error", err, "offset", msg.Offset)
			return
		}
		p.completed(msg.Offset)
	}()
}

// completed advances the frontier for a finished offset and checkpoints
// when the trigger fires.
func (p *consumerProcessor) completed(offset int64) {
	frontier, committable := p.tracker.Complete(offset)
	if p.trigger.Increment() && committable {
		p.checkpoint(frontier)
	}
}

// checkpoint commits through the controller. Commits are monotonic per
// partition: a frontier at or behind the last mark is ignored.
func (p *consumerProcessor) checkpoint(frontier int64) {
	if p.revoked.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markedAny && frontier <= p.lastMarked {
		return
	}
	p.lastMarked = frontier
	p.markedAny = true
	p.committer.MarkOffset(p.tp.topic, p.tp.partition, frontier)
	p.committer.Commit()
}

func (p *consumerProcessor) OnPartitionEndReached() {
	// Called from the claim loop, so no new dispatches start while we
	// drain the in-flight ones and flush.
	p.wg.Wait()
	if frontier, committable := p.tracker.Frontier(); committable {
		p.checkpoint(frontier)
	}
	p.trigger.Reset()
}

func (p *consumerProcessor) OnPartitionRevoked() {
	p.revoked.Store(true)
	p.wg.Wait()
	p.trigger.Reset()
}

// responseProcessor routes reply-topic records into the correlation
// registry. Dispatch is serial; responses are never retried, so commits
// advance independently of correlation completion.
type responseProcessor struct {
	tp        topicPartition
	spec      transport.ConsumerSpec
	committer committer
	trigger   *transport.CheckpointTrigger
	logger    *slog.Logger

	lastSeen   int64
	seenAny    bool
	lastMarked int64
	markedAny  bool
}

func newResponseProcessor(spec transport.ConsumerSpec, tp topicPartition, c committer, logger *slog.Logger) *responseProcessor {
	return &responseProcessor{
		tp:        tp,
		spec:      spec,
		committer: c,
		trigger:   transport.NewCheckpointTrigger(spec.CheckpointCount, spec.CheckpointDuration),
		logger:    logger.With("topic", tp.topic, "partition", tp.partition),
	}
}

func (p *responseProcessor) TopicPartition() topicPartition {
	return p.tp
}

func (p *responseProcessor) OnMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	if err := p.spec.Dispatch(ctx, inbound(msg)); err != nil {
		p.logger.Debug("response dispatch aborted", "error", err, "offset", msg.Offset)
		return
	}
	p.lastSeen = msg.Offset
	p.seenAny = true
	if p.trigger.Increment() {
		p.checkpoint()
	}
}

func (p *responseProcessor) checkpoint() {
	if !p.seenAny {
		return
	}
	next := p.lastSeen + 1
	if p.markedAny && next <= p.lastMarked {
		return
	}
	p.lastMarked = next
	p.markedAny = true
	p.committer.MarkOffset(p.tp.topic, p.tp.partition, next)
	p.committer.Commit()
}

func (p *responseProcessor) OnPartitionEndReached() {
	p.checkpoint()
	p.trigger.Reset()
}

func (p *responseProcessor) OnPartitionRevoked() {
	p.trigger.Reset()
}

// Compile-time checks
var (
	_ partitionProcessor = (*consumerProcessor)(nil)
	_ partitionProcessor = (*responseProcessor)(nil)
)
