// Package channel provides an in-process transport backed by Go channels,
// for tests and single-process deployments.
//
// The transport models partitioned topics so key and partition selectors
// behave as they do on Kafka: an explicit partition (>= 0) is honored, a
// keyed record hashes to a stable partition (FNV-1a), and keyless records
// round-robin. Each consumer group gets one worker per partition, so
// per-partition dispatch order is preserved per group while distinct
// groups each receive every message.
package channel

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// DefaultBufferSize is the per-partition queue depth for each group.
var DefaultBufferSize = 100

// Transport implements transport.Transport in process memory.
type Transport struct {
	status            int32
	logger            *slog.Logger
	bufferSize        int
	defaultPartitions int32
	topicPartitions   map[string]int32

	mu     sync.RWMutex
	topics map[string]*topicState

	closed chan struct{}
	wg     sync.WaitGroup
}

// topicState holds a topic's partition counters and its subscribed groups.
type topicState struct {
	mu         sync.Mutex
	partitions int32
	offsets    []int64 // next offset per partition
	rr         uint64  // round-robin cursor for keyless records
	subs       []*groupSub
}

// groupSub is one consumer group's per-partition queues.
type groupSub struct {
	spec  transport.ConsumerSpec
	chans []chan record
}

type record struct {
	partition int32
	offset    int64
	key       []byte
	headers   map[string][]byte
	payload   []byte
}

// New creates an in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		status:            1,
		logger:            transport.Logger("transport>channel"),
		bufferSize:        DefaultBufferSize,
		defaultPartitions: 1,
		topicPartitions:   make(map[string]int32),
		topics:            make(map[string]*topicState),
		closed:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// topic returns (creating if needed) the state for a topic.
func (t *Transport) topic(name string) *topicState {
	t.mu.RLock()
	ts := t.topics[name]
	t.mu.RUnlock()
	if ts != nil {
		return ts
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ts = t.topics[name]; ts != nil {
		return ts
	}
	partitions := t.defaultPartitions
	if n, ok := t.topicPartitions[name]; ok {
		partitions = n
	}
	ts = &topicState{
		partitions: partitions,
		offsets:    make([]int64, partitions),
	}
	t.topics[name] = ts
	return ts
}

// selectPartition picks the partition for a record the way Kafka would:
// explicit selection wins, keys hash consistently, keyless records
// round-robin.
func (ts *topicState) selectPartition(key []byte, partition int32) (int32, error) {
	if partition != transport.PartitionAny {
		if partition < 0 || partition >= ts.partitions {
			return 0, fmt.Errorf("selected partition %d out of range (%d partitions)", partition, ts.partitions)
		}
		return partition, nil
	}
	if len(key) > 0 {
		h := fnv.New32a()
		h.Write(key)
		return int32(h.Sum32() % uint32(ts.partitions)), nil
	}
	ts.rr++
	return int32(ts.rr % uint64(ts.partitions)), nil
}

// Publish enqueues one record to every subscribed group's queue for the
// selected partition. Topics without subscribers accept and drop records.
func (t *Transport) Publish(ctx context.Context, topic string, key []byte, partition int32, headers map[string][]byte, payload []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	ts := t.topic(topic)

	ts.mu.Lock()
	p, err := ts.selectPartition(key, partition)
	if err != nil {
		ts.mu.Unlock()
		return &transport.PublishError{Reason: err.Error(), Err: err}
	}
	rec := record{
		partition: p,
		offset:    ts.offsets[p],
		key:       key,
		headers:   headers,
		payload:   payload,
	}
	ts.offsets[p]++
	subs := ts.subs
	ts.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.chans[p] <- rec:
		case <-t.closed:
			return transport.ErrTransportClosed
		case <-ctx.Done():
			return fmt.Errorf("enqueue: %w", ctx.Err())
		}
	}
	return nil
}

// Start registers the topology's groups and launches one worker per
// (group, partition).
func (t *Transport) Start(ctx context.Context, topology *transport.Topology) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	for _, spec := range topology.Consumers {
		ts := t.topic(spec.Topic)
		sub := &groupSub{
			spec:  spec,
			chans: make([]chan record, ts.partitions),
		}
		for p := range sub.chans {
			sub.chans[p] = make(chan record, t.bufferSize)
			t.wg.Add(1)
			go t.worker(spec, int32(p), sub.chans[p])
		}
		ts.mu.Lock()
		ts.subs = append(ts.subs, sub)
		ts.mu.Unlock()
		t.logger.Debug("subscribed", "topic", spec.Topic, "group", spec.Group, "partitions", ts.partitions)
	}
	return nil
}

// worker drains one partition queue for one group in order. Queued records
// are drained before shutdown completes.
func (t *Transport) worker(spec transport.ConsumerSpec, partition int32, ch chan record) {
	defer t.wg.Done()
	ctx := context.Background()
	for {
		select {
		case rec := <-ch:
			t.dispatch(ctx, spec, partition, rec)
		case <-t.closed:
			for {
				select {
				case rec := <-ch:
					t.dispatch(ctx, spec, partition, rec)
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, spec transport.ConsumerSpec, partition int32, rec record) {
	if err := spec.Dispatch(ctx, transport.InboundMessage{
		Topic:     spec.Topic,
		Partition: partition,
		Offset:    rec.offset,
		Key:       rec.key,
		Headers:   rec.headers,
		Payload:   rec.payload,
	}); err != nil {
		t.logger.Debug("dispatch aborted", "topic", spec.Topic, "partition", partition, "error", err)
	}
}

// Close stops the workers after draining queued records. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	close(t.closed)
	t.wg.Wait()
	t.logger.Debug("transport closed")
	return nil
}

// Health is trivially healthy while open.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	result := &transport.HealthCheckResult{
		CheckedAt: time.Now(),
		Details:   map[string]any{"type": "channel"},
	}
	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		return result
	}
	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
