// Package client contains the messaging clients the mediator sends outbound
// messages through: bus publishers for asynchronous destinations and RPC
// clients for synchronous ones.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
)

// Client sends a message to the endpoint stored in its endpoint property.
// Asynchronous clients return a nil reply.
//
// Send errors should be tagged with errspkg.Intermittent when a later retry
// may succeed; untagged errors terminate topic processing.
type Client interface {
	ID() string
	Send(ctx context.Context, msg *event.Message) (*event.Message, error)
	Close() error
}

// Factory builds a client. Factories run when the mediator starts.
type Factory func() (Client, error)

// Registry holds the clients of one mediator and resolves them by id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Build runs the factories and registers the clients they return. Clients
// built before a failing factory are closed.
func Build(factories ...Factory) (*Registry, error) {
	reg := NewRegistry()
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		c, err := factory()
		if err == nil {
			err = reg.Add(c)
		}
		if err != nil {
			return nil, errors.Join(err, reg.Close())
		}
	}
	return reg, nil
}

// Add registers c. Ids must be unique.
func (r *Registry) Add(c Client) error {
	if c == nil {
		return errors.New("eventmediator: nil client")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.ID()]; exists {
		return fmt.Errorf("eventmediator: duplicate client id %q", c.ID())
	}
	r.clients[c.ID()] = c
	r.order = append(r.order, c.ID())
	return nil
}

// Find returns the client registered under id.
func (r *Registry) Find(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrClientNotFound, id)
	}
	return c, nil
}

// IDs lists registered client ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Close closes every client in reverse registration order.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.clients[r.order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client %q: %w", r.order[i], err))
		}
	}
	r.clients = make(map[string]Client)
	r.order = nil
	return errors.Join(errs...)
}
