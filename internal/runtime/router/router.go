// Package router maps outbound messages to the client and endpoint they are
// sent through.
package router

import (
	"fmt"

	"github.com/drblury/eventmediator/internal/runtime/client"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
)

// DestinationType tells the event processor whether to wait for a reply.
type DestinationType int

const (
	// Asynchronous destinations are sent after the key's state is persisted.
	Asynchronous DestinationType = iota
	// Synchronous destinations are called inline and their reply is processed
	// as the next input of the same key.
	Synchronous
)

func (t DestinationType) String() string {
	if t == Synchronous {
		return "SYNCHRONOUS"
	}
	return "ASYNCHRONOUS"
}

// Destination is where a message goes.
type Destination struct {
	Client   client.Client
	Endpoint string
	Type     DestinationType
}

// Router resolves destinations. Implementations must be pure functions of
// the message.
type Router interface {
	Destination(msg *event.Message) (Destination, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(msg *event.Message) (Destination, error)

func (f RouterFunc) Destination(msg *event.Message) (Destination, error) {
	return f(msg)
}

// ClientFinder resolves clients by id.
type ClientFinder interface {
	Find(id string) (client.Client, error)
}

// Factory builds the router once the mediator's clients exist.
type Factory func(finder ClientFinder) (Router, error)

// Resolve calls r and tags a missing route as fatal.
func Resolve(r Router, msg *event.Message) (Destination, error) {
	dest, err := r.Destination(msg)
	if err != nil {
		if errspkg.KindOf(err) != errspkg.KindFatal {
			return Destination{}, err
		}
		return Destination{}, errspkg.Fatal(fmt.Errorf("route %s: %w", msg, err))
	}
	if dest.Client == nil {
		return Destination{}, errspkg.Fatal(fmt.Errorf("route %s: %w", msg, errspkg.ErrNoRoute))
	}
	return dest, nil
}
