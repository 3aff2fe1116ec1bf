package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
)

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                            { return nil }

func TestBusClientPublishes(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received, err := pubsub.Subscribe(ctx, "flow.status")
	require.NoError(t, err)

	c, err := NewBusClient("bus", pubsub, nil)
	require.NoError(t, err)

	msg := event.NewMessage([]byte(`{"ok":true}`), map[string]any{
		event.PropKey:      "flow-1",
		event.PropEndpoint: "flow.status",
		"attempt":          2,
	})
	reply, err := c.Send(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, reply)

	select {
	case got := <-received:
		got.Ack()
		assert.JSONEq(t, `{"ok":true}`, string(got.Payload))
		assert.Equal(t, "flow-1", got.Metadata.Get(event.PropKey))
		assert.Equal(t, "flow-1", got.Metadata.Get(event.MetaPartitionKey))
		assert.Equal(t, "2", got.Metadata.Get("attempt"))
		assert.NotEmpty(t, got.UUID)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestBusClientErrors(t *testing.T) {
	_, err := NewBusClient("bus", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	c, err := NewBusClient("bus", failingPublisher{}, nil)
	require.NoError(t, err)

	_, err = c.Send(context.Background(), event.NewMessage(nil, nil))
	assert.True(t, errspkg.IsFatal(err))
	assert.ErrorIs(t, err, errspkg.ErrEndpointRequired)

	_, err = c.Send(context.Background(), event.NewMessage(nil, map[string]any{event.PropEndpoint: "t"}))
	assert.True(t, errspkg.IsIntermittent(err))
}
