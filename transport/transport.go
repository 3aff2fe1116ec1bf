// Package transport builds the watermill publisher/subscriber pair a mediator
// polls input topics from and publishes asynchronous outputs to.
//
// Each bus lives in its own sub-package and registers itself with
// DefaultRegistry when imported. Import transport/transports to register all
// built-in buses at once.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber produced by a builder.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities Capabilities
}

// Close closes the publisher and the subscriber. Buses that use one object
// for both sides are closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil && !sameObject(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

func sameObject(pub message.Publisher, sub message.Subscriber) (same bool) {
	if sub == nil {
		return false
	}
	defer func() {
		// uncomparable dynamic types
		if recover() != nil {
			same = false
		}
	}()
	return any(pub) == any(sub)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. It is satisfied by
// internal/runtime/config.Config.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
