// Package nats provides a NATS Core pub/sub transport.
//
// Delivery is at-most-once: messages are not persisted and are lost if no
// subscriber is connected when published. Consumer groups map onto NATS
// queue groups, so members of a group compete for messages while distinct
// groups each receive every message.
//
// NATS Core has no record headers on the bus wire format used here, so
// the envelope is framed into the message body.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// ErrConnRequired is returned when no NATS connection is provided
var ErrConnRequired = errors.New("nats connection is required")

// Transport implements transport.Transport using NATS Core pub/sub.
type Transport struct {
	status  int32
	conn    *nats.Conn
	logger  *slog.Logger
	started atomic.Bool

	mu     sync.Mutex
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a NATS transport from a pre-initialized connection. The
// caller owns the connection and closes it after the transport.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	t := &Transport{
		status: 1,
		conn:   conn,
		logger: transport.Logger("transport>nats"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish sends one framed message. Key and partition are not meaningful
// on NATS and are ignored.
func (t *Transport) Publish(ctx context.Context, topic string, key []byte, partition int32, headers map[string][]byte, payload []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	framed, err := transport.FrameHeaders(headers, payload)
	if err != nil {
		return &transport.PublishError{Reason: err.Error(), Err: err}
	}
	if err := t.conn.Publish(topic, framed); err != nil {
		return &transport.PublishError{Reason: err.Error(), Err: err}
	}
	return nil
}

// Start creates Instances queue subscribers per spec. Subscribers in the
// same queue group compete for messages.
func (t *Transport) Start(ctx context.Context, topology *transport.Topology) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("nats transport already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel

	for _, spec := range topology.Consumers {
		instances := spec.Instances
		if instances < 1 {
			instances = 1
		}
		for i := 0; i < instances; i++ {
			sub, err := t.conn.QueueSubscribe(spec.Topic, spec.Group, t.handler(runCtx, spec))
			if err != nil {
				cancel()
				t.unsubscribeLocked()
				return err
			}
			t.subs = append(t.subs, sub)
		}
		t.logger.Debug("subscribed", "subject", spec.Topic, "queue", spec.Group, "instances", instances)
	}
	return nil
}

func (t *Transport) handler(ctx context.Context, spec transport.ConsumerSpec) nats.MsgHandler {
	return func(msg *nats.Msg) {
		t.wg.Add(1)
		defer t.wg.Done()

		headers, payload, err := transport.UnframeHeaders(msg.Data)
		if err != nil {
			t.logger.Error("failed to unframe message, skipping",
				"subject", msg.Subject, "error", err)
			return
		}
		if err := spec.Dispatch(ctx, transport.InboundMessage{
			Topic:   spec.Topic,
			Headers: headers,
			Payload: payload,
		}); err != nil {
			t.logger.Debug("dispatch aborted", "subject", msg.Subject, "error", err)
		}
	}
}

func (t *Transport) unsubscribeLocked() {
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn("failed to unsubscribe", "error", err)
		}
	}
	t.subs = nil
}

// Close unsubscribes and waits for in-flight dispatches. The connection
// is not closed; the caller owns it. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.unsubscribeLocked()
	t.mu.Unlock()
	t.wg.Wait()
	t.logger.Debug("transport closed")
	return nil
}

// Health reports the connection state.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}
	switch {
	case !t.isOpen():
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
	case t.conn.Status() != nats.CONNECTED:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection is " + t.conn.Status().String()
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "nats transport is healthy"
		result.Details["server"] = t.conn.ConnectedUrl()
	}
	result.Latency = time.Since(start)
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
