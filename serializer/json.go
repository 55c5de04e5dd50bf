package serializer

import (
	"encoding/json"
	"errors"
	"reflect"

	slimbus "github.com/catterpiler74/SlimMessageBus"
)

// JSON implements the bus Serializer using encoding/json.
// This is the default serializer, producing human-readable payloads.
type JSON struct{}

// Serialize encodes a value to JSON bytes.
func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Deserialize decodes JSON bytes into a new value of type t.
func (JSON) Deserialize(data []byte, t reflect.Type) (any, error) {
	ptr, result := newValue(t)
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return result(), nil
}

// Compile-time check
var _ slimbus.Serializer = JSON{}
