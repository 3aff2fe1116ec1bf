package event

import (
	"fmt"
	"maps"
)

// Well-known message properties.
const (
	PropKey        = "key"
	PropTopic      = "topic"
	PropEndpoint   = "endpoint"
	PropStatusCode = "status_code"
)

// MetaPartitionKey is the bus metadata entry that carries the record key so
// partitioned transports keep per-key ordering.
const MetaPartitionKey = "partition_key"

// Message is the unit handed to a messaging client. The payload is always
// serialized so it can be stored in the replay log and resent verbatim.
type Message struct {
	Payload    []byte         `json:"payload"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewMessage builds a message, copying properties.
func NewMessage(payload []byte, properties map[string]any) *Message {
	props := make(map[string]any, len(properties)+1)
	maps.Copy(props, properties)
	return &Message{Payload: payload, Properties: props}
}

// Property returns the raw property value.
func (m *Message) Property(key string) (any, bool) {
	if m == nil || m.Properties == nil {
		return nil, false
	}
	v, ok := m.Properties[key]
	return v, ok
}

// StringProperty renders a property as a string, empty when absent.
func (m *Message) StringProperty(key string) string {
	v, ok := m.Property(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SetProperty stores a property, allocating the map on first use.
func (m *Message) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties[key] = value
}

func (m *Message) Key() string      { return m.StringProperty(PropKey) }
func (m *Message) Topic() string    { return m.StringProperty(PropTopic) }
func (m *Message) Endpoint() string { return m.StringProperty(PropEndpoint) }

// Clone returns a deep copy of the payload and a shallow copy of properties.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	payload := append([]byte(nil), m.Payload...)
	return NewMessage(payload, m.Properties)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{key=%q topic=%q endpoint=%q payload=%dB}", m.Key(), m.Topic(), m.Endpoint(), len(m.Payload))
}
