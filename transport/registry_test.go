package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/transport"
	"github.com/drblury/eventmediator/transport/transporttest"
)

func stubBuilder(pub *transporttest.Publisher, sub *transporttest.Subscriber) transport.Builder {
	return func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	}
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := transport.NewRegistry()
	assert.Empty(t, reg.Names())

	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	reg.Register("Stub", stubBuilder(pub, sub), transport.Capabilities{SupportsAck: true})

	assert.True(t, reg.Has("stub"))
	assert.True(t, reg.Has("STUB"))
	assert.Equal(t, []string{"stub"}, reg.Names())

	tr, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "stub"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, "stub", tr.Capabilities.Name)
	assert.True(t, tr.Capabilities.SupportsAck)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("b", stubBuilder(nil, nil), transport.Capabilities{})
	reg.Register("a", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, errors.New("dial failed")
	}, transport.Capabilities{})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "missing"}, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownTransport)
	assert.Contains(t, err.Error(), "[a b]")

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "a"}, nil)
	assert.ErrorContains(t, err, "build a transport: dial failed")
}

func TestRegistryCapabilitiesUnknown(t *testing.T) {
	caps := transport.NewRegistry().Capabilities("ghost")
	assert.Equal(t, transport.Capabilities{Name: "ghost"}, caps)
}

func TestTransportClose(t *testing.T) {
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	require.NoError(t, transport.Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.Closed())
	assert.Equal(t, 1, sub.Closed())

	require.NoError(t, transport.Transport{}.Close())
}

func TestTransportCloseSharedPubSub(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr := transport.Transport{Publisher: ps, Subscriber: ps}
	assert.NoError(t, tr.Close())
}

func TestCapabilitiesLimitations(t *testing.T) {
	assert.Empty(t, transport.ChannelCapabilities.Limitations())
	assert.Empty(t, transport.KafkaCapabilities.Limitations())
	assert.True(t, transport.RabbitMQCapabilities.SupportsReliableDelivery())

	nats := transport.NATSCapabilities.Limitations()
	assert.Len(t, nats, 3)
	assert.Contains(t, nats[0], "nats: no redelivery")

	assert.Equal(t, []string{"aws: per-key order is not guaranteed"}, transport.AWSCapabilities.Limitations())
}
