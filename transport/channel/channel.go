// Package channel registers an in-memory bus backed by watermill's GoChannel.
// It is meant for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventmediator/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBufferSize sizes each subscriber channel.
const DefaultBufferSize = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the channel transport under "channel" and "gochannel".
func Register(r *transport.Registry) {
	r.Register(TransportName, Build, transport.ChannelCapabilities)
	r.Register("gochannel", Build, transport.ChannelCapabilities)
}

// Build creates a persistent GoChannel so outputs published before a
// subscriber attaches are still delivered.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := Factory(gochannel.Config{
		OutputChannelBuffer: DefaultBufferSize,
		Persistent:          true,
	}, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}
