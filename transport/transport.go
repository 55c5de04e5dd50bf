// Package transport defines the contract between the message bus and its
// transport implementations (kafka, redis, nats, channel).
//
// Transport implementations should import this package rather than the parent
// bus package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport errors
var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrTopicRequired    = errors.New("topic is required")
	ErrConsumerNotFound = errors.New("no consumer for topic")
)

// PublishError indicates the transport rejected a publish attempt.
// Code carries the transport-specific error code (Kafka broker error code,
// Redis reply error, etc.) when one is available.
type PublishError struct {
	Code   int32
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("publish failed (code %d): %s", e.Code, e.Reason)
	}
	return "publish failed: " + e.Reason
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// PartitionAny tells the transport to let its own partitioner pick the
// partition for a record.
const PartitionAny int32 = -1

// ConsumerKind selects the partition-processor variant a transport
// instantiates for a topic.
type ConsumerKind int

const (
	// KindConsumer dispatches records to a subscriber or request handler.
	KindConsumer ConsumerKind = iota
	// KindResponse routes reply-topic records into the correlation registry.
	KindResponse
)

// InboundMessage is one raw record handed from a transport to the bus.
// Partition and Offset are meaningful only on partitioned transports.
type InboundMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string][]byte
	Payload   []byte
}

// Dispatch delivers one inbound record to the bus pipeline.
//
// A non-nil error means delivery could not be attempted (context cancelled,
// bus shut down) and the record should not be considered processed.
// Message-level failures (deserialization, handler errors) are handled and
// swallowed inside the bus pipeline; the transport only sees success.
type Dispatch func(ctx context.Context, m InboundMessage) error

// ConsumerSpec describes one consumer the transport must run: the topic and
// group to read, the processor kind, and the dispatch callback into the bus.
type ConsumerSpec struct {
	Topic              string
	Group              string
	Kind               ConsumerKind
	Instances          int
	CheckpointCount    int
	CheckpointDuration time.Duration
	Dispatch           Dispatch
}

// Topology is the set of consumers a bus asks a transport to run.
type Topology struct {
	InstanceID string
	Consumers  []ConsumerSpec
}

// Transport moves serialized payloads between the bus and the wire.
//
// Publish must be safe for concurrent callers. Partition is an explicit
// partition index, or PartitionAny to defer to the transport's partitioner.
// Transports that have no native record headers frame the headers into the
// payload (see FrameHeaders) and unframe them before dispatch, so the bus
// always observes Headers on InboundMessage.
type Transport interface {
	Publish(ctx context.Context, topic string, key []byte, partition int32, headers map[string][]byte, payload []byte) error

	// Start begins consuming for every spec in the topology. It returns once
	// the consumers are running; delivery happens on transport-owned workers.
	Start(ctx context.Context, topology *Topology) error

	// Close stops consumers (draining in-flight dispatches), then releases
	// producer resources. Close is idempotent.
	Close(ctx context.Context) error
}

// HealthStatus represents the health state of a transport
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface transports can implement for
// readiness probes and monitoring.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
