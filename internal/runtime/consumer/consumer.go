// Package consumer defines the poll/commit contract the consumer processor
// drives. Adapters live in the watermill and kafka subpackages.
package consumer

import (
	"context"
	"time"

	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

// Record is a raw record as read from the bus.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
	Headers   metadatapkg.Metadata
}

// Consumer reads batches from one topic. Implementations are driven by a
// single goroutine and need not be safe for concurrent use.
//
// Errors tagged errspkg.Intermittent make the processor reset the position
// and poll again; anything else stops the topic.
type Consumer interface {
	Subscribe(ctx context.Context) error
	// Poll blocks until at least one record is available or timeout elapses.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)
	// ResetToLastCommitted rewinds to the last committed position so that
	// every record returned since then is delivered again.
	ResetToLastCommitted(ctx context.Context) error
	// SyncCommit commits every record returned since the last commit.
	SyncCommit(ctx context.Context) error
	Close() error
}

// Factory creates consumers for one topic. A fresh consumer is created after
// every intermittent failure.
type Factory interface {
	Topic() string
	Create(ctx context.Context) (Consumer, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc struct {
	TopicName string
	New       func(ctx context.Context, topic string) (Consumer, error)
}

func (f FactoryFunc) Topic() string { return f.TopicName }

func (f FactoryFunc) Create(ctx context.Context) (Consumer, error) {
	return f.New(ctx, f.TopicName)
}
