package transport

import "fmt"

// Capabilities describes the delivery guarantees of a bus as far as the
// mediator relies on them.
type Capabilities struct {
	Name string

	// SupportsAck means consumed messages are only settled once acknowledged.
	SupportsAck bool
	// SupportsNack means a negatively acknowledged message is delivered again.
	// Resetting a consumer to its last commit depends on it.
	SupportsNack bool
	// SupportsKeyOrdering means messages sharing a partition key are delivered
	// in publish order.
	SupportsKeyOrdering bool
	// Durable means messages published while no consumer is attached are kept.
	Durable bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Limitations lists the mediator guarantees this bus weakens. The list is
// empty for buses that provide everything.
func (c Capabilities) Limitations() []string {
	var out []string
	if !c.SupportsReliableDelivery() {
		out = append(out, fmt.Sprintf("%s: no redelivery, inputs of a failed batch may be lost", c.Name))
	}
	if !c.SupportsKeyOrdering {
		out = append(out, fmt.Sprintf("%s: per-key order is not guaranteed", c.Name))
	}
	if !c.Durable {
		out = append(out, fmt.Sprintf("%s: outputs published without a subscriber are dropped", c.Name))
	}
	return out
}

// Capability sets of the built-in buses.
var (
	ChannelCapabilities = Capabilities{
		Name:                "channel",
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsKeyOrdering: true,
		Durable:             true,
	}

	// Kafka redelivers uncommitted offsets after a rebalance or restart
	// rather than on Nack.
	KafkaCapabilities = Capabilities{
		Name:                "kafka",
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsKeyOrdering: true,
		Durable:             true,
		MaxMessageSize:      1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsKeyOrdering: true,
		Durable:             true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		Durable:        true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{Name: "http"}
)
