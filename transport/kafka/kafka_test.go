package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/internal/runtime/event"
	"github.com/drblury/eventmediator/transport"
	"github.com/drblury/eventmediator/transport/transporttest"
)

func stubFactories(t *testing.T) (*transporttest.Publisher, *transporttest.Subscriber) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.NotNil(t, cfg.Marshaler)
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "mediators", cfg.ConsumerGroup)
		return sub, nil
	}
	return pub, sub
}

func TestBuild(t *testing.T) {
	pub, sub := stubFactories(t)
	reg := transport.NewRegistry()
	Register(reg)

	tr, err := reg.Build(context.Background(), &transporttest.Config{
		PubSubSystem:       TransportName,
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaConsumerGroup: "mediators",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, transport.KafkaCapabilities, tr.Capabilities)
}

func TestBuildPublisherError(t *testing.T) {
	stubFactories(t)
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no brokers reachable")
	}
	_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no brokers reachable")
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("1", nil)
	msg.Metadata.Set(event.PropKey, "fallback")
	key, err := PartitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "fallback", key)

	msg.Metadata.Set(event.MetaPartitionKey, "acct-1")
	key, err = PartitionKey("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", key)
}
