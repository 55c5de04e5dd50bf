package slimbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// Defaults for the settings model.
var (
	// DefaultRequestTimeout applies to Send when neither the call site, the
	// publisher registration, the request/response registration nor
	// WithDefaultTimeout supplies a timeout.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultInstances is the per-registration handler concurrency limit.
	DefaultInstances = 1
)

// Recognized property keys.
const (
	PropKafkaBrokers     = "Kafka.Brokers"
	PropRedisServer      = "Redis.Server"
	PropRedisSyncTimeout = "Redis.SyncTimeout"
)

// KeySelector computes the record key for a message, or nil for no key.
type KeySelector func(message any) []byte

// PartitionSelector computes an explicit partition for a message.
// Returning transport.PartitionAny defers to the transport's partitioner.
type PartitionSelector func(message any) int32

// HandlerKind distinguishes consumer registrations.
type HandlerKind int

const (
	// KindSubscriber is a fire-and-forget consumer.
	KindSubscriber HandlerKind = iota
	// KindRequestHandler consumes requests and produces responses.
	KindRequestHandler
)

func (k HandlerKind) String() string {
	switch k {
	case KindSubscriber:
		return "subscriber"
	case KindRequestHandler:
		return "request-handler"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PublisherSettings binds a message type to its destination topic and
// optional key/partition selectors. Immutable after Build.
type PublisherSettings struct {
	MessageType  reflect.Type
	DefaultTopic string
	Key          KeySelector
	Partition    PartitionSelector

	// ResponseType and Timeout apply when the type is used with Send.
	ResponseType reflect.Type
	Timeout      time.Duration
}

// ConsumerSettings binds a message type on a (topic, group) to a handler
// type. Immutable after Build.
type ConsumerSettings struct {
	MessageType        reflect.Type
	ResponseType       reflect.Type
	Topic              string
	Group              string
	Kind               HandlerKind
	HandlerType        reflect.Type
	Instances          int
	CheckpointCount    int
	CheckpointDuration time.Duration
	MessagesPerSecond  float64
	Properties         map[string]any
}

// RequestResponseSettings configures the reply topic this instance listens
// on for responses to its outgoing requests.
type RequestResponseSettings struct {
	ReplyTopic     string
	Group          string
	DefaultTimeout time.Duration

	// OnMessageFault, when set, observes response-processor dispatch
	// failures. Responses are never retried; the correlation registry owns
	// timeout semantics.
	OnMessageFault func(err error, payload []byte)
}

// Settings is the immutable configuration snapshot a bus runs with.
type Settings struct {
	InstanceID      string
	publishers      map[reflect.Type]*PublisherSettings
	consumers       []*ConsumerSettings
	requestResponse *RequestResponseSettings
	serializer      Serializer
	resolver        Resolver
	provider        TransportProvider
	defaultTimeout  time.Duration
	properties      map[string]any
	logger          *slog.Logger
	metricsEnabled  bool
	tracingEnabled  bool
}

// Publisher returns the publisher registration for a message type, or nil.
func (s *Settings) Publisher(t reflect.Type) *PublisherSettings {
	return s.publishers[t]
}

// Consumers returns the consumer registrations.
func (s *Settings) Consumers() []*ConsumerSettings {
	return s.consumers
}

// RequestResponse returns the request/response registration, or nil.
func (s *Settings) RequestResponse() *RequestResponseSettings {
	return s.requestResponse
}

// Property returns a recognized configuration property.
func (s *Settings) Property(key string) (any, bool) {
	v, ok := s.properties[key]
	return v, ok
}

// TransportProvider constructs the transport for a validated topology.
// Applications wire concrete transports here, e.g.:
//
//	builder.WithTransport(func(*transport.Topology) (transport.Transport, error) {
//	    return kafka.New(client)
//	})
type TransportProvider func(topology *transport.Topology) (transport.Transport, error)

// Builder accumulates registrations and produces a validated bus.
// Builder methods are chainable and not safe for concurrent use.
type Builder struct {
	s    Settings
	errs []error
}

// NewBuilder creates a builder with default settings.
func NewBuilder() *Builder {
	return &Builder{
		s: Settings{
			publishers:     make(map[reflect.Type]*PublisherSettings),
			properties:     make(map[string]any),
			defaultTimeout: DefaultRequestTimeout,
			logger:         slog.Default(),
			metricsEnabled: true,
			tracingEnabled: true,
		},
	}
}

func (b *Builder) fail(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

// WithSerializer sets the payload serializer. Required.
func (b *Builder) WithSerializer(s Serializer) *Builder {
	b.s.serializer = s
	return b
}

// WithResolver sets the handler resolver. Required when consumers are
// registered.
func (b *Builder) WithResolver(r Resolver) *Builder {
	b.s.resolver = r
	return b
}

// WithTransport sets the transport provider. Required.
func (b *Builder) WithTransport(p TransportProvider) *Builder {
	b.s.provider = p
	return b
}

// WithLogger sets the bus logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	if l != nil {
		b.s.logger = l
	}
	return b
}

// WithInstanceID distinguishes instance groups; informational.
func (b *Builder) WithInstanceID(id string) *Builder {
	b.s.InstanceID = id
	return b
}

// WithDefaultTimeout sets the bus-wide request timeout default.
func (b *Builder) WithDefaultTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.s.defaultTimeout = d
	}
	return b
}

// WithProperty sets a recognized configuration property
// (Kafka.Brokers, Redis.Server, Redis.SyncTimeout, ...).
func (b *Builder) WithProperty(key string, value any) *Builder {
	b.s.properties[key] = value
	return b
}

// WithMetrics enables/disables OpenTelemetry metrics.
func (b *Builder) WithMetrics(enabled bool) *Builder {
	b.s.metricsEnabled = enabled
	return b
}

// WithTracing enables/disables OpenTelemetry tracing.
func (b *Builder) WithTracing(enabled bool) *Builder {
	b.s.tracingEnabled = enabled
	return b
}

// ExpectRequestResponses declares the reply topic and group this instance
// listens on for responses to its outgoing requests. Exactly one per bus.
func (b *Builder) ExpectRequestResponses(replyTopic, group string, defaultTimeout time.Duration, opts ...RequestResponseOption) *Builder {
	if b.s.requestResponse != nil {
		return b.fail("request/response already configured (reply topic %q)", b.s.requestResponse.ReplyTopic)
	}
	rr := &RequestResponseSettings{
		ReplyTopic:     replyTopic,
		Group:          group,
		DefaultTimeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(rr)
	}
	b.s.requestResponse = rr
	return b
}

// RequestResponseOption configures the request/response registration.
type RequestResponseOption func(*RequestResponseSettings)

// WithResponseFaultHook observes response-processor dispatch failures.
func WithResponseFaultHook(fn func(err error, payload []byte)) RequestResponseOption {
	return func(rr *RequestResponseSettings) {
		rr.OnMessageFault = fn
	}
}

// PublisherOption configures a publisher registration.
type PublisherOption func(*PublisherSettings)

// WithKey registers a key selector for the message type.
func WithKey[T any](fn func(message T) []byte) PublisherOption {
	return func(p *PublisherSettings) {
		p.Key = func(m any) []byte {
			v, ok := m.(T)
			if !ok {
				return nil
			}
			return fn(v)
		}
	}
}

// WithPartition registers a partition selector for the message type.
// Returning transport.PartitionAny defers to the transport's partitioner.
func WithPartition[T any](fn func(message T) int32) PublisherOption {
	return func(p *PublisherSettings) {
		p.Partition = func(m any) int32 {
			v, ok := m.(T)
			if !ok {
				return transport.PartitionAny
			}
			return fn(v)
		}
	}
}

// WithResponse declares the response type Send deserializes for this
// request type.
func WithResponse[T any]() PublisherOption {
	return func(p *PublisherSettings) {
		p.ResponseType = TypeOf[T]()
	}
}

// WithRequestTimeout sets the per-type Send timeout default.
func WithRequestTimeout(d time.Duration) PublisherOption {
	return func(p *PublisherSettings) {
		p.Timeout = d
	}
}

// AddPublisher registers a publisher: messages of type T publish to topic
// unless the call site overrides it.
func AddPublisher[T any](b *Builder, topic string, opts ...PublisherOption) *Builder {
	t := TypeOf[T]()
	if topic == "" {
		return b.fail("publisher %v: %w", t, transport.ErrTopicRequired)
	}
	if _, exists := b.s.publishers[t]; exists {
		return b.fail("publisher %v: duplicate registration", t)
	}
	ps := &PublisherSettings{
		MessageType:  t,
		DefaultTopic: topic,
	}
	for _, opt := range opts {
		opt(ps)
	}
	b.s.publishers[t] = ps
	return b
}

// ConsumerOption configures a consumer registration.
type ConsumerOption func(*ConsumerSettings)

// WithInstances sets the per-partition handler concurrency limit.
func WithInstances(n int) ConsumerOption {
	return func(c *ConsumerSettings) {
		c.Instances = n
	}
}

// WithCheckpoint overrides the offset-commit trigger thresholds.
func WithCheckpoint(count int, duration time.Duration) ConsumerOption {
	return func(c *ConsumerSettings) {
		c.CheckpointCount = count
		c.CheckpointDuration = duration
	}
}

// WithRate throttles dispatch to at most perSecond messages per second.
func WithRate(perSecond float64) ConsumerOption {
	return func(c *ConsumerSettings) {
		c.MessagesPerSecond = perSecond
	}
}

// WithConsumerProperty attaches an arbitrary property to the registration.
func WithConsumerProperty(key string, value any) ConsumerOption {
	return func(c *ConsumerSettings) {
		if c.Properties == nil {
			c.Properties = make(map[string]any)
		}
		c.Properties[key] = value
	}
}

func newConsumerSettings(msg reflect.Type, topic, group string, kind HandlerKind, handler reflect.Type, opts []ConsumerOption) *ConsumerSettings {
	cs := &ConsumerSettings{
		MessageType:        msg,
		Topic:              topic,
		Group:              group,
		Kind:               kind,
		HandlerType:        handler,
		Instances:          DefaultInstances,
		CheckpointCount:    transport.DefaultCheckpointCount,
		CheckpointDuration: transport.DefaultCheckpointDuration,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// SubscribeTo registers a subscriber: messages of type T on topic are
// dispatched to instances of handlerType resolved from the Resolver.
// handlerType must implement Subscriber (use TypeOf[*MyHandler]()).
func SubscribeTo[T any](b *Builder, topic, group string, handlerType reflect.Type, opts ...ConsumerOption) *Builder {
	b.s.consumers = append(b.s.consumers,
		newConsumerSettings(TypeOf[T](), topic, group, KindSubscriber, handlerType, opts))
	return b
}

// Handle registers a request handler: requests of type Req on topic are
// dispatched to instances of handlerType, whose result of type Resp is
// published back to the request's reply topic.
// handlerType must implement RequestHandler.
func Handle[Req, Resp any](b *Builder, topic, group string, handlerType reflect.Type, opts ...ConsumerOption) *Builder {
	cs := newConsumerSettings(TypeOf[Req](), topic, group, KindRequestHandler, handlerType, opts)
	cs.ResponseType = TypeOf[Resp]()
	b.s.consumers = append(b.s.consumers, cs)
	return b
}

// validate enforces the registration invariants. All violations are
// reported together, wrapped in ErrInvalidConfiguration.
func (b *Builder) validate() error {
	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	errs = append(errs, b.errs...)

	if b.s.serializer == nil {
		report("serializer is required")
	}
	if b.s.provider == nil {
		report("transport is required")
	}
	if len(b.s.consumers) > 0 && b.s.resolver == nil {
		report("resolver is required when consumers are registered")
	}

	groupTopics := make(map[string]string) // "group\x00topic" -> description
	for _, cs := range b.s.consumers {
		desc := fmt.Sprintf("consumer %v on (%q, %q)", cs.MessageType, cs.Topic, cs.Group)
		if cs.Topic == "" {
			report("%s: topic is required", desc)
		}
		if cs.Group == "" {
			report("%s: group is required", desc)
		}
		if cs.Instances < 1 {
			report("%s: instances must be >= 1, got %d", desc, cs.Instances)
		}
		if cs.HandlerType == nil {
			report("%s: handler type is required", desc)
		} else {
			switch cs.Kind {
			case KindSubscriber:
				if !cs.HandlerType.Implements(subscriberType) {
					report("%s: handler %v does not implement Subscriber", desc, cs.HandlerType)
				}
			case KindRequestHandler:
				if !cs.HandlerType.Implements(requestHandlerType) {
					report("%s: handler %v does not implement RequestHandler", desc, cs.HandlerType)
				}
			}
		}
		key := cs.Group + "\x00" + cs.Topic
		if prev, ok := groupTopics[key]; ok {
			report("%s: (group, topic) already used by %s", desc, prev)
		} else {
			groupTopics[key] = desc
		}
	}

	if rr := b.s.requestResponse; rr != nil {
		if rr.ReplyTopic == "" {
			report("request/response: reply topic is required")
		}
		if rr.Group == "" {
			report("request/response: group is required")
		}
		if rr.DefaultTimeout <= 0 {
			rr.DefaultTimeout = b.s.defaultTimeout
		}
		if prev, ok := groupTopics[rr.Group+"\x00"+rr.ReplyTopic]; ok {
			report("request/response (%q, %q) collides with %s", rr.ReplyTopic, rr.Group, prev)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// Build validates the registrations, constructs the transport topology and
// starts the bus. Violations fail with ErrInvalidConfiguration.
func (b *Builder) Build(ctx context.Context) (*Bus, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	return newBus(ctx, &b.s)
}
