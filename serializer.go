package slimbus

import (
	"context"
	"reflect"
)

// Serializer converts message payloads to and from wire bytes. The bus never
// inspects payload bytes itself; only the envelope header format is fixed.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes a message value to bytes.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes bytes into a new value of the given type.
	// For a pointer type the returned value is the pointer; for a value
	// type it is the value itself.
	Deserialize(data []byte, t reflect.Type) (any, error)
}

// Resolver provides handler instances by type. The resolver owns instance
// lifecycle; the bus acquires one instance per message dispatch.
type Resolver interface {
	Resolve(t reflect.Type) (any, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(t reflect.Type) (any, error)

func (f ResolverFunc) Resolve(t reflect.Type) (any, error) {
	return f(t)
}

// Subscriber consumes published messages of its registered type.
type Subscriber interface {
	// OnMessage handles one message. A returned error is logged and the
	// message is not redelivered; the partition continues to progress.
	OnMessage(ctx context.Context, message any, topic string) error
}

// RequestHandler produces a response for a request message. A returned error
// becomes a fault response delivered to the original sender.
type RequestHandler interface {
	OnRequest(ctx context.Context, request any) (any, error)
}

var (
	subscriberType     = reflect.TypeOf((*Subscriber)(nil)).Elem()
	requestHandlerType = reflect.TypeOf((*RequestHandler)(nil)).Elem()
)

// TypeOf returns the reflect.Type for T, for registering handler types with
// the builder: TypeOf[*EchoHandler]().
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
