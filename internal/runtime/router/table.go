package router

import (
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
)

// Route describes one routing rule of a Table.
type Route struct {
	ClientID string
	// Endpoint overrides the message topic. Empty keeps the topic.
	Endpoint string
	Type     DestinationType
}

// Table routes by the topic property of a message.
type Table map[string]Route

// Factory returns a router factory that resolves every route's client.
// Unknown client ids fail the factory.
func (t Table) Factory() Factory {
	return func(finder ClientFinder) (Router, error) {
		resolved := make(map[string]Destination, len(t))
		for topic, route := range t {
			c, err := finder.Find(route.ClientID)
			if err != nil {
				return nil, err
			}
			resolved[topic] = Destination{Client: c, Endpoint: route.Endpoint, Type: route.Type}
		}
		return RouterFunc(func(msg *event.Message) (Destination, error) {
			topic := msg.Topic()
			dest, ok := resolved[topic]
			if !ok {
				return Destination{}, errspkg.ErrNoRoute
			}
			if dest.Endpoint == "" {
				dest.Endpoint = topic
			}
			return dest, nil
		}), nil
	}
}
