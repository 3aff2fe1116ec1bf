package client

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	idspkg "github.com/drblury/eventmediator/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

// BusClient publishes messages to the topic named by their endpoint property
// through any watermill publisher.
type BusClient struct {
	id        string
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
}

// NewBusClient returns a client publishing to the message topic on publisher.
func NewBusClient(id string, publisher message.Publisher, logger loggingpkg.ServiceLogger) (*BusClient, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return &BusClient{id: id, publisher: publisher, logger: loggingpkg.OrNop(logger)}, nil
}

func (c *BusClient) ID() string { return c.id }

// Send publishes msg and returns a nil reply. Publish failures are
// intermittent.
func (c *BusClient) Send(ctx context.Context, msg *event.Message) (*event.Message, error) {
	topic := msg.Endpoint()
	if topic == "" {
		return nil, errspkg.Fatal(errspkg.ErrEndpointRequired)
	}

	out := ToWatermill(msg)
	out.SetContext(ctx)
	if err := c.publisher.Publish(topic, out); err != nil {
		return nil, errspkg.Intermittent(fmt.Errorf("publish to %s: %w", topic, err))
	}

	c.logger.Trace("Published message", loggingpkg.LogFields{
		loggingpkg.FieldEndpoint: topic,
		loggingpkg.FieldKey:      msg.Key(),
		"uuid":                   out.UUID,
	})
	return nil, nil
}

func (c *BusClient) Close() error {
	return c.publisher.Close()
}

// ToWatermill converts msg into a watermill message. Properties become
// metadata; the key property is also exposed as the partition key used by
// the kafka marshaler.
func ToWatermill(msg *event.Message) *message.Message {
	out := message.NewMessage(idspkg.CreateULID(), msg.Payload)
	out.Metadata = metadatapkg.ToWatermill(metadatapkg.FromProperties(msg.Properties))
	if key := msg.Key(); key != "" {
		out.Metadata.Set(event.MetaPartitionKey, key)
	}
	return out
}
