package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// groupConsumer owns one consumer-group driver subscribed to the topics of
// every spec registered under its group id. The broker hands it partition
// assignments; it instantiates one partition processor per assignment and
// routes records to them.
type groupConsumer struct {
	group    string
	topics   []string
	specs    map[string]transport.ConsumerSpec // by topic
	consumer sarama.ConsumerGroup
	logger   *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newGroupConsumer(group string, specs map[string]transport.ConsumerSpec, consumer sarama.ConsumerGroup, logger *slog.Logger) *groupConsumer {
	g := &groupConsumer{
		group:    group,
		specs:    specs,
		consumer: consumer,
		logger:   logger.With("group", group),
	}
	for topic := range specs {
		g.topics = append(g.topics, topic)
	}
	return g
}

// start launches the poll/dispatch loop on a dedicated worker.
func (g *groupConsumer) start(ctx context.Context) {
	g.wg.Add(1)
	go g.run(ctx)
}

// run drives Consume until the context is cancelled, retrying session
// errors with exponential backoff. Each Consume call spans one rebalance
// generation: Setup builds processors for the assignment, ConsumeClaim
// dispatches per partition, Cleanup drains and drops them.
func (g *groupConsumer) run(ctx context.Context) {
	defer g.wg.Done()

	handler := &groupHandler{g: g}
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.consumer.Consume(ctx, g.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			jittered := transport.Jitter(backoff, 0.3)
			g.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", jittered)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

// stop closes the driver and waits for the loop and any in-flight
// dispatches to finish.
func (g *groupConsumer) stop() {
	g.stopOnce.Do(func() {
		if err := g.consumer.Close(); err != nil {
			g.logger.Warn("error closing consumer group", "error", err)
		}
	})
	g.wg.Wait()
}

// groupHandler implements sarama.ConsumerGroupHandler for one session
// generation.
type groupHandler struct {
	g  *groupConsumer
	mu sync.Mutex
	// one processor per assigned partition
	procs map[topicPartition]partitionProcessor
}

// Setup receives the partition assignment: one processor per assigned
// partition, consumer or response variant selected by topic.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	committer := &sessionCommitter{session: session}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs = make(map[topicPartition]partitionProcessor)
	for topic, partitions := range session.Claims() {
		spec, ok := h.g.specs[topic]
		if !ok {
			continue
		}
		for _, partition := range partitions {
			tp := topicPartition{topic: topic, partition: partition}
			h.procs[tp] = newPartitionProcessor(spec, tp, committer, h.g.logger)
			h.g.logger.Debug("partition assigned", "topic", topic, "partition", partition)
		}
	}
	return nil
}

// Cleanup acknowledges revocation only after every processor has drained
// its in-flight dispatches; their uncommitted offsets are left for the
// next owner to redeliver (at-least-once).
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	for tp, proc := range procs {
		proc.OnPartitionRevoked()
		h.g.logger.Debug("partition revoked", "topic", tp.topic, "partition", tp.partition)
	}
	return nil
}

func (h *groupHandler) processor(tp topicPartition) partitionProcessor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[tp]
}

// ConsumeClaim is the per-partition dispatch loop: records go to the
// partition's processor in order; when the partition idles past the
// checkpoint duration, pending offsets are flushed.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tp := topicPartition{topic: claim.Topic(), partition: claim.Partition()}
	proc := h.processor(tp)
	if proc == nil {
		return nil
	}

	spec := h.g.specs[claim.Topic()]
	idle := spec.CheckpointDuration
	if idle <= 0 {
		idle = transport.DefaultCheckpointDuration
	}

	ctx := session.Context()
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				proc.OnPartitionEndReached()
				return nil
			}
			proc.OnMessage(ctx, msg)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idle)
		case <-idleTimer.C:
			proc.OnPartitionEndReached()
			idleTimer.Reset(idle)
		case <-ctx.Done():
			return nil
		}
	}
}

// sessionCommitter issues offset commits through the driver's explicit
// commit API; this is the only path offsets are committed on.
type sessionCommitter struct {
	session sarama.ConsumerGroupSession
}

func (c *sessionCommitter) MarkOffset(topic string, partition int32, offset int64) {
	c.session.MarkOffset(topic, partition, offset, "")
}

func (c *sessionCommitter) Commit() {
	c.session.Commit()
}

// Compile-time checks
var (
	_ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
	_ committer                   = (*sessionCommitter)(nil)
)
