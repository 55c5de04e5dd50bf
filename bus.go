package slimbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/catterpiler74/SlimMessageBus/rate"
	"github.com/catterpiler74/SlimMessageBus/transport"
)

const (
	busRunning = 1
	busStopped = 0
)

const meterName = "slimbus"

// Bus routes messages between registered publishers, consumers and the
// transport, and correlates requests with responses.
//
// A Bus is safe for concurrent callers on Publish, Send and response
// delivery. Construct one through Builder.Build.
type Bus struct {
	status    int32
	settings  *Settings
	transport transport.Transport
	pending   *correlationRegistry
	logger    *slog.Logger

	shutdownCh chan struct{}
	sweeperWg  sync.WaitGroup
}

// newBus wires the validated settings into a running bus: it builds the
// consumer topology, constructs the transport, starts consumption and the
// deadline sweeper.
func newBus(ctx context.Context, s *Settings) (*Bus, error) {
	logger := s.logger.With("component", "bus")
	b := &Bus{
		status:     busRunning,
		settings:   s,
		pending:    newCorrelationRegistry(logger),
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	topology := &transport.Topology{InstanceID: s.InstanceID}
	for _, cs := range s.consumers {
		topology.Consumers = append(topology.Consumers, transport.ConsumerSpec{
			Topic:              cs.Topic,
			Group:              cs.Group,
			Kind:               transport.KindConsumer,
			Instances:          cs.Instances,
			CheckpointCount:    cs.CheckpointCount,
			CheckpointDuration: cs.CheckpointDuration,
			Dispatch:           b.consumerDispatch(cs),
		})
	}
	if rr := s.requestResponse; rr != nil {
		topology.Consumers = append(topology.Consumers, transport.ConsumerSpec{
			Topic:              rr.ReplyTopic,
			Group:              rr.Group,
			Kind:               transport.KindResponse,
			Instances:          1,
			CheckpointCount:    transport.DefaultCheckpointCount,
			CheckpointDuration: transport.DefaultCheckpointDuration,
			Dispatch:           b.responseDispatch(rr),
		})
	}

	t, err := s.provider(topology)
	if err != nil {
		return nil, err
	}
	b.transport = t

	if err := t.Start(ctx, topology); err != nil {
		t.Close(ctx)
		return nil, err
	}

	b.sweeperWg.Add(1)
	go b.sweepLoop()

	b.logger.Debug("bus started",
		"publishers", len(s.publishers),
		"consumers", len(s.consumers),
		"request_response", s.requestResponse != nil)
	return b, nil
}

// Running returns true until Close is called.
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Settings returns the immutable settings snapshot.
func (b *Bus) Settings() *Settings {
	return b.settings
}

// sweepLoop fires pending-request deadlines. Its resolution is bounded by
// sweepInterval, so requests fail at or shortly after their deadline.
func (b *Bus) sweepLoop() {
	defer b.sweeperWg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.shutdownCh:
			return
		case now := <-ticker.C:
			b.pending.SweepExpired(now)
		}
	}
}

// PublishOption configures a single Publish or Send call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	topic   string
	timeout time.Duration
}

// WithTopic overrides the registration's default topic for this call.
func WithTopic(topic string) PublishOption {
	return func(o *publishOptions) {
		o.topic = topic
	}
}

// WithTimeout overrides the effective request timeout for this Send call.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.timeout = d
	}
}

// Publish sends a fire-and-forget message. It completes when the transport
// accepts the payload and fails with a PublishFailedError when the
// transport rejects it. The topic defaults to the publisher registration.
func (b *Bus) Publish(ctx context.Context, message any, opts ...PublishOption) error {
	if !b.Running() {
		return ErrBusShutdown
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	ps, topic, err := b.route(message, o.topic)
	if err != nil {
		return err
	}

	// Publish is non-cancellable once submitted; before submission a
	// cancelled context surfaces as ErrRequestCancelled.
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	default:
	}

	payload, err := b.settings.serializer.Serialize(message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	return b.publishRaw(ctx, ps, topic, message, nil, payload)
}

// route finds the publisher registration and effective topic for a message.
func (b *Bus) route(message any, topicOverride string) (*PublisherSettings, string, error) {
	t := reflect.TypeOf(message)
	ps := b.settings.publishers[t]
	topic := topicOverride
	if ps != nil && topic == "" {
		topic = ps.DefaultTopic
	}
	if topic == "" {
		return nil, "", fmt.Errorf("%w: %v", ErrNoPublisherForType, t)
	}
	return ps, topic, nil
}

// publishRaw runs selectors, emits telemetry and submits to the transport.
func (b *Bus) publishRaw(ctx context.Context, ps *PublisherSettings, topic string, message any, env *transport.Envelope, payload []byte) error {
	var key []byte
	partition := transport.PartitionAny
	if ps != nil {
		if ps.Key != nil {
			key = ps.Key(message)
		}
		if ps.Partition != nil {
			partition = ps.Partition(message)
		}
	}

	if b.settings.tracingEnabled {
		tracer := otel.Tracer(meterName)
		var span trace.Span
		ctx, span = tracer.Start(ctx, topic+" publish",
			trace.WithAttributes(attribute.String("messaging.destination", topic)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}
	if b.settings.metricsEnabled {
		meter := otel.Meter(meterName)
		published, _ := meter.Int64Counter("bus.published",
			metric.WithDescription("Total number of messages published"))
		published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}

	if err := b.transport.Publish(ctx, topic, key, partition, env.Headers(), payload); err != nil {
		var pf *PublishFailedError
		if errors.As(err, &pf) {
			return err
		}
		return &PublishFailedError{Reason: err.Error(), Err: err}
	}
	return nil
}

// Send publishes a request and blocks until the correlated response
// arrives, the effective timeout elapses (ErrRequestTimeout), the context
// is cancelled (ErrRequestCancelled), or the handler reports a fault
// (HandlerFaultedError).
//
// The effective timeout is the first of: WithTimeout at the call site, the
// publisher registration's WithRequestTimeout, the request/response
// registration's default timeout, the bus default.
func (b *Bus) Send(ctx context.Context, request any, opts ...PublishOption) (any, error) {
	return b.send(ctx, request, nil, opts)
}

// Request sends a request and returns its typed response. The type
// parameter overrides the publisher registration's response type; a
// conflicting registration fails with ErrInvalidConfiguration.
func Request[Resp any](ctx context.Context, b *Bus, request any, opts ...PublishOption) (Resp, error) {
	var zero Resp
	out, err := b.send(ctx, request, TypeOf[Resp](), opts)
	if err != nil {
		return zero, err
	}
	resp, ok := out.(Resp)
	if !ok {
		return zero, fmt.Errorf("%w: response is %T, want %v", ErrSerialization, out, TypeOf[Resp]())
	}
	return resp, nil
}

func (b *Bus) send(ctx context.Context, request any, responseType reflect.Type, opts []PublishOption) (any, error) {
	if !b.Running() {
		return nil, ErrBusShutdown
	}
	rr := b.settings.requestResponse
	if rr == nil {
		return nil, fmt.Errorf("%w: request/response is not configured", ErrInvalidConfiguration)
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	ps, topic, err := b.route(request, o.topic)
	if err != nil {
		return nil, err
	}

	timeout := b.settings.defaultTimeout
	if rr.DefaultTimeout > 0 {
		timeout = rr.DefaultTimeout
	}
	if ps != nil && ps.Timeout > 0 {
		timeout = ps.Timeout
	}
	if o.timeout > 0 {
		timeout = o.timeout
	}

	if ps != nil && ps.ResponseType != nil {
		if responseType != nil && responseType != ps.ResponseType {
			return nil, fmt.Errorf("%w: registered response %v, requested %v",
				ErrInvalidConfiguration, ps.ResponseType, responseType)
		}
		responseType = ps.ResponseType
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	default:
	}

	payload, err := b.settings.serializer.Serialize(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	deadline := time.Now().Add(timeout)
	env := &transport.Envelope{
		CorrelationID: transport.NewID(),
		ReplyTo:       rr.ReplyTopic,
		Expires:       deadline.UnixMilli(),
	}

	p := b.pending.Register(env.CorrelationID, responseType, deadline)

	if err := b.publishRaw(ctx, ps, topic, request, env, payload); err != nil {
		b.pending.Take(env.CorrelationID)
		return nil, err
	}

	if b.settings.metricsEnabled {
		meter := otel.Meter(meterName)
		requests, _ := meter.Int64Counter("bus.requests",
			metric.WithDescription("Total number of requests sent"))
		requests.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}

	select {
	case out := <-p.done:
		return out.payload, out.err
	case <-ctx.Done():
		if b.pending.TryFail(env.CorrelationID, ErrRequestCancelled) {
			return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
		}
		// The response won the race; it is already buffered.
		out := <-p.done
		return out.payload, out.err
	case <-b.shutdownCh:
		b.pending.TryFail(env.CorrelationID, ErrBusShutdown)
		out := <-p.done
		return out.payload, out.err
	}
}

// Reply publishes a response (or fault) correlated to a request envelope.
// It is used by the consumer pipeline when a request handler completes.
func (b *Bus) Reply(ctx context.Context, requestEnv *transport.Envelope, response any, handlerErr error) error {
	if requestEnv == nil || requestEnv.ReplyTo == "" {
		return fmt.Errorf("%w: request carries no reply topic", ErrInvalidConfiguration)
	}

	env := &transport.Envelope{CorrelationID: requestEnv.CorrelationID}
	var payload []byte
	if handlerErr != nil {
		env.Fault = handlerErr.Error()
		env.HasFault = true
	} else {
		var err error
		payload, err = b.settings.serializer.Serialize(response)
		if err != nil {
			// Surface the serializer failure to the sender as a fault so
			// it does not wait out the full timeout.
			env.Fault = err.Error()
			env.HasFault = true
			payload = nil
		}
	}

	return b.publishRaw(ctx, nil, requestEnv.ReplyTo, response, env, payload)
}

// OnResponseArrived resolves or rejects the pending request matching a
// response envelope. Responses without a known correlation id are dropped:
// a late reply after timeout is expected. A response payload that fails to
// deserialize rejects the request with ErrSerialization and is also
// returned as an error.
func (b *Bus) OnResponseArrived(ctx context.Context, payload []byte, headers map[string][]byte, replyTopic string) error {
	env := transport.EnvelopeFromHeaders(headers)
	if env == nil {
		b.logger.Debug("response without correlation id dropped", "topic", replyTopic)
		return nil
	}

	p, ok := b.pending.Take(env.CorrelationID)
	if !ok {
		b.logger.Debug("late response dropped", "topic", replyTopic, "correlation_id", env.CorrelationID)
		return nil
	}

	if env.HasFault {
		p.complete(requestOutcome{err: &HandlerFaultedError{Message: env.Fault}})
		return nil
	}

	if p.responseType == nil {
		p.complete(requestOutcome{payload: payload})
		return nil
	}
	response, err := b.settings.serializer.Deserialize(payload, p.responseType)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSerialization, err)
		p.complete(requestOutcome{err: err})
		return err
	}
	p.complete(requestOutcome{payload: response})
	return nil
}

// consumerDispatch builds the bus-side pipeline stage for one consumer
// registration: deserialize, resolve the handler, invoke it, and for
// request handlers publish the reply. Message-level failures are logged
// and swallowed so the partition keeps progressing (at-least-once).
func (b *Bus) consumerDispatch(cs *ConsumerSettings) transport.Dispatch {
	logger := b.logger.With("topic", cs.Topic, "group", cs.Group)
	var limiter rate.Limiter
	if cs.MessagesPerSecond > 0 {
		limiter = rate.NewTokenBucket(cs.MessagesPerSecond, max(1, int(cs.MessagesPerSecond)))
	}

	return func(ctx context.Context, m transport.InboundMessage) error {
		if !b.Running() {
			return ErrBusShutdown
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if b.settings.tracingEnabled {
			tracer := otel.Tracer(meterName)
			var span trace.Span
			ctx, span = tracer.Start(ctx, m.Topic+" consume",
				trace.WithAttributes(
					attribute.String("messaging.destination", m.Topic),
					attribute.Int64("messaging.kafka.offset", m.Offset)),
				trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
		}
		if b.settings.metricsEnabled {
			meter := otel.Meter(meterName)
			consumed, _ := meter.Int64Counter("bus.consumed",
				metric.WithDescription("Total number of messages consumed"))
			consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", m.Topic)))
		}

		ctx = withDelivery(ctx, Delivery{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset})

		message, err := b.settings.serializer.Deserialize(m.Payload, cs.MessageType)
		if err != nil {
			logger.Error("failed to deserialize message, skipping",
				"error", err, "partition", m.Partition, "offset", m.Offset)
			return nil
		}

		instance, err := b.settings.resolver.Resolve(cs.HandlerType)
		if err != nil {
			logger.Error("failed to resolve handler, skipping",
				"error", err, "handler", cs.HandlerType.String())
			return nil
		}

		switch cs.Kind {
		case KindRequestHandler:
			handler, ok := instance.(RequestHandler)
			if !ok {
				logger.Error("resolved instance does not implement RequestHandler",
					"handler", cs.HandlerType.String())
				return nil
			}
			env := transport.EnvelopeFromHeaders(m.Headers)
			response, handlerErr := handler.OnRequest(ctx, message)
			if handlerErr != nil {
				logger.Warn("request handler faulted", "error", handlerErr,
					"partition", m.Partition, "offset", m.Offset)
			}
			if env == nil || env.ReplyTo == "" {
				logger.Debug("request carries no reply topic, response dropped",
					"partition", m.Partition, "offset", m.Offset)
				return nil
			}
			if err := b.Reply(ctx, env, response, handlerErr); err != nil {
				logger.Error("failed to publish reply", "error", err,
					"reply_to", env.ReplyTo, "correlation_id", env.CorrelationID)
			}
		case KindSubscriber:
			sub, ok := instance.(Subscriber)
			if !ok {
				logger.Error("resolved instance does not implement Subscriber",
					"handler", cs.HandlerType.String())
				return nil
			}
			if err := sub.OnMessage(ctx, message, m.Topic); err != nil {
				logger.Error("subscriber failed, message skipped", "error", err,
					"partition", m.Partition, "offset", m.Offset)
			}
		}
		return nil
	}
}

// responseDispatch builds the pipeline stage for the reply topic: every
// record is routed into the correlation registry. Dispatch failures invoke
// the optional fault hook and processing continues; responses are never
// retried.
func (b *Bus) responseDispatch(rr *RequestResponseSettings) transport.Dispatch {
	logger := b.logger.With("topic", rr.ReplyTopic, "group", rr.Group)
	return func(ctx context.Context, m transport.InboundMessage) error {
		if err := b.OnResponseArrived(ctx, m.Payload, m.Headers, m.Topic); err != nil {
			logger.Error("response dispatch failed", "error", err,
				"partition", m.Partition, "offset", m.Offset)
			if rr.OnMessageFault != nil {
				rr.OnMessageFault(err, m.Payload)
			}
		}
		return nil
	}
}

// PendingRequests returns the number of outstanding Send calls.
func (b *Bus) PendingRequests() int {
	return b.pending.Len()
}

// Health reports the transport's health when it implements the optional
// checker; a closed bus is always unhealthy.
func (b *Bus) Health(ctx context.Context) error {
	if !b.Running() {
		return ErrBusShutdown
	}
	if hc, ok := b.transport.(transport.HealthChecker); ok {
		result := hc.Health(ctx)
		if !result.IsHealthy() {
			return errors.New(result.Message)
		}
	}
	return nil
}

// Close stops the bus: group consumers stop first (in-flight handlers
// drain inside the transport), then the producer closes, then remaining
// pending requests fail with ErrBusShutdown. Idempotent and safe to call
// concurrently with in-flight operations.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	close(b.shutdownCh)

	err := b.transport.Close(ctx)
	b.pending.FailAll(ErrBusShutdown)
	b.sweeperWg.Wait()

	b.logger.Debug("bus closed")
	return err
}
