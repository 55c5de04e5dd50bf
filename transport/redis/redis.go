// Package redis provides a Redis Streams transport.
//
// Messages are appended with XADD, read through consumer groups with
// XREADGROUP, and acknowledged with XACK only after dispatch completes.
// Entries that are read but never acknowledged stay in the group's pending
// list; this transport reads only new entries and does not re-read or
// claim pending ones. Redis has no record headers, so the envelope is
// framed into the message body.
//
// Streams are unpartitioned; per-stream order is preserved per reader and
// the offset-commit machinery of the Kafka engine is not needed here.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// Client is the subset of Redis client operations the transport uses.
// Satisfied by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// DefaultSyncTimeout bounds individual Redis operations (XADD, XACK).
const DefaultSyncTimeout = 5 * time.Second

// payloadField is the stream entry field carrying the framed message.
const payloadField = "payload"

// Transport implements transport.Transport using Redis Streams.
type Transport struct {
	status      int32
	client      Client
	logger      *slog.Logger
	syncTimeout time.Duration
	blockTime   time.Duration
	readCount   int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a Redis transport from a pre-initialized client. The caller
// owns the client and closes it after the transport.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	t := &Transport{
		status:      1,
		client:      client,
		logger:      transport.Logger("transport>redis"),
		syncTimeout: DefaultSyncTimeout,
		blockTime:   5 * time.Second,
		readCount:   10,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish appends one framed message to the topic's stream. Key and
// partition are not meaningful on Redis Streams and are ignored.
func (t *Transport) Publish(ctx context.Context, topic string, key []byte, partition int32, headers map[string][]byte, payload []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	framed, err := transport.FrameHeaders(headers, payload)
	if err != nil {
		return &transport.PublishError{Reason: err.Error(), Err: err}
	}

	opCtx, cancel := context.WithTimeout(ctx, t.syncTimeout)
	defer cancel()
	if err := t.client.XAdd(opCtx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{payloadField: framed},
	}).Err(); err != nil {
		return &transport.PublishError{Reason: err.Error(), Err: err}
	}
	return nil
}

// Start creates the consumer groups and launches Instances reader workers
// per spec. Workers in the same group compete for stream entries, which is
// Redis' native load balancing.
func (t *Transport) Start(ctx context.Context, topology *transport.Topology) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("redis transport already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	for _, spec := range topology.Consumers {
		if err := t.ensureGroup(ctx, spec.Topic, spec.Group); err != nil {
			cancel()
			return err
		}
		instances := spec.Instances
		if instances < 1 {
			instances = 1
		}
		for i := 0; i < instances; i++ {
			consumer := consumerName(topology.InstanceID, i)
			t.wg.Add(1)
			go t.readLoop(runCtx, spec, consumer)
		}
		t.logger.Debug("started stream readers",
			"stream", spec.Topic, "group", spec.Group, "instances", instances)
	}
	return nil
}

func (t *Transport) ensureGroup(ctx context.Context, stream, group string) error {
	opCtx, cancel := context.WithTimeout(ctx, t.syncTimeout)
	defer cancel()
	err := t.client.XGroupCreateMkStream(opCtx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func consumerName(instanceID string, index int) string {
	if instanceID == "" {
		return transport.NewID()
	}
	return fmt.Sprintf("%s-%d", instanceID, index)
}

// readLoop reads batches for one group member and dispatches them in
// order. Entries are acknowledged after dispatch; unacknowledged entries
// stay in the group's pending list and are not read again by this loop,
// which only requests new entries (">").
func (t *Transport) readLoop(ctx context.Context, spec transport.ConsumerSpec, consumer string) {
	defer t.wg.Done()

	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    spec.Group,
			Consumer: consumer,
			Streams:  []string{spec.Topic, ">"},
			Count:    t.readCount,
			Block:    t.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			jittered := transport.Jitter(backoff, 0.3)
			t.logger.Error("stream read error, retrying with backoff",
				"stream", spec.Topic, "group", spec.Group, "error", err, "backoff", jittered)
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

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.handle(ctx, spec, msg)
			}
		}
	}
}

func (t *Transport) handle(ctx context.Context, spec transport.ConsumerSpec, msg redis.XMessage) {
	raw, _ := msg.Values[payloadField].(string)
	headers, payload, err := transport.UnframeHeaders([]byte(raw))
	if err != nil {
		// Malformed entry: acknowledge so the group is not wedged on it.
		t.logger.Error("failed to unframe stream entry, skipping",
			"stream", spec.Topic, "id", msg.ID, "error", err)
		t.ack(spec, msg.ID)
		return
	}

	if err := spec.Dispatch(ctx, transport.InboundMessage{
		Topic:   spec.Topic,
		Headers: headers,
		Payload: payload,
	}); err != nil {
		// Dispatch could not run (shutdown); leave the entry unacknowledged
		// in the group's pending list.
		t.logger.Debug("dispatch aborted", "stream", spec.Topic, "id", msg.ID, "error", err)
		return
	}
	t.ack(spec, msg.ID)
}

func (t *Transport) ack(spec transport.ConsumerSpec, id string) {
	opCtx, cancel := context.WithTimeout(context.Background(), t.syncTimeout)
	defer cancel()
	if err := t.client.XAck(opCtx, spec.Topic, spec.Group, id).Err(); err != nil {
		t.logger.Warn("failed to ack stream entry",
			"stream", spec.Topic, "group", spec.Group, "id", id, "error", err)
	}
}

// Close stops the readers and waits for in-flight dispatches. The client
// is not closed; the caller owns it. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Debug("transport closed")
	return nil
}

// Health pings the server.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}
	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "redis ping failed: " + err.Error()
	} else {
		result.Status = transport.HealthStatusHealthy
		result.Message = "redis transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
