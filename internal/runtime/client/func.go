package client

import (
	"context"

	"github.com/drblury/eventmediator/internal/runtime/event"
)

// FuncClient adapts a function to Client. It is handy for in-process
// request/reply handlers and for tests.
type FuncClient struct {
	id string
	fn func(ctx context.Context, msg *event.Message) (*event.Message, error)
}

// NewFuncClient returns a client that hands every message to fn.
func NewFuncClient(id string, fn func(ctx context.Context, msg *event.Message) (*event.Message, error)) *FuncClient {
	return &FuncClient{id: id, fn: fn}
}

func (c *FuncClient) ID() string { return c.id }

func (c *FuncClient) Send(ctx context.Context, msg *event.Message) (*event.Message, error) {
	return c.fn(ctx, msg)
}

func (c *FuncClient) Close() error { return nil }
