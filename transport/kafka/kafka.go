// Package kafka provides the Kafka transport: a shared producer for the
// publish path and one consumer-group engine per registered group, with
// per-partition processors and checkpoint-driven offset commits.
//
// Delivery is at-least-once: offsets are committed through the explicit
// commit API only after dispatch completes, never by auto-commit.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config. Use
// NewConfig() for a configuration prepared for this transport (manual
// partition selection honored, sync producer acks, auto-commit off).
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
	ErrAlreadyStarted    = errors.New("kafka transport already started")
)

// Transport implements transport.Transport on IBM/sarama. The producer is
// created once and shared by every publisher; each consumer group in the
// topology gets its own consumer-group driver.
type Transport struct {
	status   int32
	client   sarama.Client
	producer sarama.SyncProducer
	groups   []*groupConsumer
	logger   *slog.Logger

	cancel  context.CancelFunc
	started atomic.Bool

	// Topic provisioning for consumer topics (0 = disabled)
	provisionPartitions  int32
	provisionReplication int16

	closeTimeout time.Duration
}

// New creates a Kafka transport from a pre-initialized client. The caller
// owns the client and closes it after the transport.
//
// The client's config must have Consumer.Offsets.AutoCommit.Enable set to
// false: offsets are committed only through the commit controller once a
// record's dispatch has completed. With auto-commit enabled, offsets would
// advance regardless of dispatch outcome and records could be lost.
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	t := &Transport{
		status:       1,
		client:       client,
		logger:       transport.Logger("transport>kafka"),
		closeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t.producer = producer

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish submits one record. An explicit partition >= 0 is honored by the
// selector-aware partitioner (see NewConfig); transport.PartitionAny
// leaves the choice to that partitioner's fallback (hash by key, else
// random). A non-nil key is supplied as the record key regardless.
func (t *Transport) Publish(ctx context.Context, topic string, key []byte, partition int32, headers map[string][]byte, payload []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(payload),
		Partition: partition,
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}

	if _, _, err := t.producer.SendMessage(msg); err != nil {
		return publishError(err)
	}
	return nil
}

// publishError maps a sarama error onto the transport publish error,
// extracting the broker error code when one is present.
func publishError(err error) error {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		return &transport.PublishError{Code: int32(kerr), Reason: kerr.Error(), Err: err}
	}
	return &transport.PublishError{Reason: err.Error(), Err: err}
}

// Start launches one consumer-group driver per distinct group in the
// topology. Each driver subscribes to the union of its topics; partition
// processors are instantiated per assigned partition when the broker
// hands out assignments.
func (t *Transport) Start(ctx context.Context, topology *transport.Topology) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	byGroup := make(map[string]map[string]transport.ConsumerSpec)
	for _, spec := range topology.Consumers {
		m := byGroup[spec.Group]
		if m == nil {
			m = make(map[string]transport.ConsumerSpec)
			byGroup[spec.Group] = m
		}
		m[spec.Topic] = spec
	}

	if t.provisionPartitions > 0 {
		if err := t.provisionTopics(byGroup); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	for group, specs := range byGroup {
		consumer, err := sarama.NewConsumerGroupFromClient(group, t.client)
		if err != nil {
			cancel()
			t.stopGroups()
			return err
		}
		g := newGroupConsumer(group, specs, consumer, t.logger)
		t.groups = append(t.groups, g)
		g.start(runCtx)
		t.logger.Debug("started group consumer", "group", group, "topics", g.topics)
	}
	return nil
}

// provisionTopics creates consumer topics that do not exist yet.
// "Already exists" races with other instances are ignored.
func (t *Transport) provisionTopics(byGroup map[string]map[string]transport.ConsumerSpec) error {
	admin, err := sarama.NewClusterAdminFromClient(t.client)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, specs := range byGroup {
		for topic := range specs {
			if seen[topic] {
				continue
			}
			seen[topic] = true
			err := admin.CreateTopic(topic, &sarama.TopicDetail{
				NumPartitions:     t.provisionPartitions,
				ReplicationFactor: t.provisionReplication,
			}, false)
			if err != nil {
				var topicErr *sarama.TopicError
				if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (t *Transport) stopGroups() {
	done := make(chan struct{})
	go func() {
		for _, g := range t.groups {
			g.stop()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.closeTimeout):
		t.logger.Warn("group consumers did not stop within grace period")
	}
}

// Close stops every group consumer, waiting for in-flight dispatches up to
// the close grace period, then closes the producer. The client is not
// closed; the caller owns it. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.stopGroups()

	var errs []error
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health reports broker connectivity.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "kafka"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}
	if t.client.Closed() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "kafka client is closed"
		result.Latency = time.Since(start)
		return result
	}

	brokers := t.client.Brokers()
	connected := 0
	for _, broker := range brokers {
		if ok, _ := broker.Connected(); ok {
			connected++
		}
	}
	result.Details["total_brokers"] = len(brokers)
	result.Details["connected_brokers"] = connected
	result.Latency = time.Since(start)

	switch {
	case len(brokers) == 0 || connected == 0:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "no connected kafka brokers"
	case connected < len(brokers):
		result.Status = transport.HealthStatusDegraded
		result.Message = fmt.Sprintf("kafka transport degraded: %d/%d brokers connected", connected, len(brokers))
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "kafka transport is healthy"
	}
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
