// Package nats registers the NATS Core bus.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/eventmediator/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroup load-balances topic subscriptions across mediator replicas.
const QueueGroup = "eventmediator"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the NATS transport to r.
func Register(r *transport.Registry) {
	r.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build connects a publisher and a queue-group subscriber to cfg.GetNATSURL.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	options := []nc.Option{nc.Name(QueueGroup), nc.MaxReconnects(-1)}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		JetStream:   nats.JetStreamConfig{Disabled: true},
		Marshaler:   marshaler,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		NatsOptions:      options,
		QueueGroupPrefix: QueueGroup,
		JetStream:        nats.JetStreamConfig{Disabled: true},
		Unmarshaler:      marshaler,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
