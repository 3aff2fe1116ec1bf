package serde

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	errNilMessage      = errors.New("serde: proto message is nil")
	errPointerRequired = errors.New("serde: proto message type must be a pointer")
)

// Proto serializes protobuf messages in the binary wire format.
type Proto[T proto.Message] struct{}

// NewProto returns the protobuf wire format serializer for T.
func NewProto[T proto.Message]() Proto[T] { return Proto[T]{} }

func (Proto[T]) Serialize(v T) ([]byte, error) {
	if isNilProto(v) {
		return nil, errNilMessage
	}
	return proto.Marshal(v)
}

func (Proto[T]) Deserialize(data []byte) (T, error) {
	msg, err := newProto[T]()
	if err != nil {
		return msg, err
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return msg, fmt.Errorf("serde: unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// ProtoJSON serializes protobuf messages with protojson, for buses whose
// consumers expect readable payloads.
type ProtoJSON[T proto.Message] struct{}

// NewProtoJSON returns the protojson serializer for T.
func NewProtoJSON[T proto.Message]() ProtoJSON[T] { return ProtoJSON[T]{} }

func (ProtoJSON[T]) Serialize(v T) ([]byte, error) {
	if isNilProto(v) {
		return nil, errNilMessage
	}
	return protojson.Marshal(v)
}

func (ProtoJSON[T]) Deserialize(data []byte) (T, error) {
	msg, err := newProto[T]()
	if err != nil {
		return msg, err
	}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return msg, fmt.Errorf("serde: unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// newProto allocates an empty message of the concrete type behind T.
func newProto[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Ptr {
		return zero, errPointerRequired
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("serde: unexpected message type %s", typ)
	}
	return msg, nil
}

func isNilProto[T proto.Message](msg T) bool {
	val := reflect.ValueOf(msg)
	if !val.IsValid() {
		return true
	}
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr:
		return val.IsNil()
	default:
		return false
	}
}
