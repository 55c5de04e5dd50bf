package slimbus

import (
	"errors"
	"fmt"

	"github.com/catterpiler74/SlimMessageBus/transport"
)

// Error kinds surfaced to callers.
// Use errors.Is() to check for these as they may be wrapped with context.
var (
	// ErrInvalidConfiguration is returned by Build when registrations are
	// inconsistent (empty topics, colliding groups, bad handler types).
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRequestTimeout is returned by Send when the effective deadline
	// elapses before a response arrives.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestCancelled is returned by Send when the caller's context is
	// cancelled before completion, and by Publish when the context is
	// cancelled before the payload is submitted to the transport.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrBusShutdown is returned for operations in flight or attempted
	// after Close.
	ErrBusShutdown = errors.New("bus shut down")

	// ErrSerialization indicates the serializer rejected a payload on the
	// publish path. On the consume path serializer errors are logged and
	// the message is skipped.
	ErrSerialization = errors.New("serialization failed")

	// ErrNoPublisherForType is returned when a message type has no
	// publisher registration and no topic was supplied at the call site.
	ErrNoPublisherForType = errors.New("no publisher registered for message type")
)

// PublishFailedError indicates the transport rejected a publish.
type PublishFailedError = transport.PublishError

// HandlerFaultedError is returned by Send when the server-side handler
// failed; Message carries the handler's error text from the fault response.
type HandlerFaultedError struct {
	Message string
}

func (e *HandlerFaultedError) Error() string {
	return fmt.Sprintf("handler faulted: %s", e.Message)
}

// IsHandlerFaulted checks if an error is a server-side handler fault.
func IsHandlerFaulted(err error) bool {
	var hf *HandlerFaultedError
	return errors.As(err, &hf)
}

// IsPublishFailed checks if an error indicates a transport publish rejection.
func IsPublishFailed(err error) bool {
	var pf *PublishFailedError
	return errors.As(err, &pf)
}
