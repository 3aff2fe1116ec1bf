// Package kafka registers the Kafka bus. Outputs are partitioned by the
// record key so every key stays on one partition.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventmediator/internal/runtime/event"
	"github.com/drblury/eventmediator/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the Kafka transport to r.
func Register(r *transport.Registry) {
	r.Register(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey returns the key the mediator stored on msg. Messages without
// one fall back to round robin.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(event.MetaPartitionKey); key != "" {
		return key, nil
	}
	return msg.Metadata.Get(event.PropKey), nil
}

// Build creates the Kafka publisher and consumer-group subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: marshaler,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   marshaler,
		ConsumerGroup: cfg.GetKafkaConsumerGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
