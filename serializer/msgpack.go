package serializer

import (
	"errors"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	slimbus "github.com/catterpiler74/SlimMessageBus"
)

// MsgPack implements the bus Serializer using MessagePack, for compact
// binary payloads where human readability is not needed.
type MsgPack struct{}

// Serialize encodes a value to MessagePack bytes.
func (MsgPack) Serialize(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Deserialize decodes MessagePack bytes into a new value of type t.
func (MsgPack) Deserialize(data []byte, t reflect.Type) (any, error) {
	ptr, result := newValue(t)
	if err := msgpack.Unmarshal(data, ptr); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return result(), nil
}

// Compile-time check
var _ slimbus.Serializer = MsgPack{}
