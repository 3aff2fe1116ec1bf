// Package serde converts user state and event values to and from the byte
// payloads that the mediator persists and publishes.
package serde

import (
	"fmt"

	jsoncodec "github.com/drblury/eventmediator/internal/runtime/jsoncodec"
)

// Serializer encodes and decodes one value type.
type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSON serializes values with the shared sonic configuration, which sorts map
// keys so equal values always encode to equal bytes.
type JSON[T any] struct{}

// NewJSON returns the JSON serializer for T.
func NewJSON[T any]() JSON[T] { return JSON[T]{} }

func (JSON[T]) Serialize(v T) ([]byte, error) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serde: marshal %T: %w", v, err)
	}
	return data, nil
}

func (JSON[T]) Deserialize(data []byte) (T, error) {
	var v T
	if err := jsoncodec.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("serde: unmarshal %T: %w", v, err)
	}
	return v, nil
}

// Bytes passes payloads through untouched.
type Bytes struct{}

func (Bytes) Serialize(v []byte) ([]byte, error)     { return v, nil }
func (Bytes) Deserialize(data []byte) ([]byte, error) { return data, nil }
