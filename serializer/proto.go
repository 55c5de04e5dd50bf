package serializer

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	slimbus "github.com/catterpiler74/SlimMessageBus"
)

// Proto implements the bus Serializer using Protocol Buffers.
// Message types must be pointers to generated proto messages.
type Proto struct{}

// Serialize encodes a proto.Message to bytes.
func (Proto) Serialize(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrEncodeFailure, v)
	}
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Deserialize decodes proto bytes into a new message of type t.
// t must be a pointer type whose element implements proto.Message.
func (Proto) Deserialize(data []byte, t reflect.Type) (any, error) {
	if t.Kind() != reflect.Pointer {
		return nil, decodeTypeError(t)
	}
	v := reflect.New(t.Elem()).Interface()
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a proto.Message", ErrDecodeFailure, t)
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return m, nil
}

// Compile-time check
var _ slimbus.Serializer = Proto{}
