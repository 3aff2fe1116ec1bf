// Package watermill adapts any watermill Subscriber to the consumer contract.
// Delivered messages stay pending until SyncCommit acks them or
// ResetToLastCommitted nacks them for redelivery.
package watermill

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventmediator/internal/runtime/consumer"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

const DefaultMaxPollRecords = 500

// Config configures the adapter.
type Config struct {
	Topic string
	// MaxPollRecords caps one batch.
	MaxPollRecords int
	// KeyMetadata lists metadata entries searched for the record key.
	KeyMetadata []string
}

func (c Config) withDefaults() Config {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = DefaultMaxPollRecords
	}
	if len(c.KeyMetadata) == 0 {
		c.KeyMetadata = []string{event.PropKey, event.MetaPartitionKey}
	}
	return c
}

// Consumer reads from a watermill subscription.
type Consumer struct {
	cfg        Config
	subscriber message.Subscriber
	logger     loggingpkg.ServiceLogger

	mu       sync.Mutex
	messages <-chan *message.Message
	cancel   context.CancelFunc
	pending  []*message.Message
	closed   bool
}

var _ consumer.Consumer = (*Consumer)(nil)

// New returns a consumer reading cfg.Topic from subscriber.
func New(cfg Config, subscriber message.Subscriber, logger loggingpkg.ServiceLogger) (*Consumer, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Consumer{
		cfg:        cfg.withDefaults(),
		subscriber: subscriber,
		logger:     loggingpkg.OrNop(logger).With(loggingpkg.LogFields{loggingpkg.FieldTopic: cfg.Topic}),
	}, nil
}

// Factory returns a consumer factory over subscriber. The subscriber is
// shared by every consumer the factory creates and is not closed by them.
func Factory(cfg Config, subscriber message.Subscriber, logger loggingpkg.ServiceLogger) consumer.Factory {
	return consumer.FactoryFunc{
		TopicName: cfg.Topic,
		New: func(context.Context, string) (consumer.Consumer, error) {
			return New(cfg, subscriber, logger)
		},
	}
}

func (c *Consumer) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConsumerClosed
	}
	if c.messages != nil {
		return nil
	}

	// The subscription outlives the ctx passed in; Close ends it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := c.subscriber.Subscribe(subCtx, c.cfg.Topic)
	if err != nil {
		cancel()
		return errspkg.Intermittent(err)
	}
	c.messages = messages
	c.cancel = cancel
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]consumer.Record, error) {
	c.mu.Lock()
	messages := c.messages
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errspkg.ErrConsumerClosed
	}
	if messages == nil {
		return nil, errspkg.ErrNotSubscribed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var batch []*message.Message
	select {
	case msg, ok := <-messages:
		if !ok {
			return nil, errspkg.Intermittent(errspkg.ErrConsumerClosed)
		}
		batch = append(batch, msg)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}

drain:
	for len(batch) < c.cfg.MaxPollRecords {
		select {
		case msg, ok := <-messages:
			if !ok {
				break drain
			}
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	c.mu.Lock()
	c.pending = append(c.pending, batch...)
	c.mu.Unlock()

	records := make([]consumer.Record, len(batch))
	for i, msg := range batch {
		records[i] = c.toRecord(msg)
	}
	return records, nil
}

func (c *Consumer) toRecord(msg *message.Message) consumer.Record {
	headers := metadatapkg.FromWatermill(msg.Metadata)
	if headers[event.HeaderEventID] == "" {
		// Watermill marshalers carry the UUID across redeliveries.
		headers[event.HeaderEventID] = msg.UUID
	}
	var key string
	for _, name := range c.cfg.KeyMetadata {
		if key = headers[name]; key != "" {
			break
		}
	}
	if key == "" {
		key = msg.UUID
	}
	return consumer.Record{
		Topic:     c.cfg.Topic,
		Key:       key,
		Value:     msg.Payload,
		Timestamp: time.Now().UTC(),
		Headers:   headers,
	}
}

func (c *Consumer) SyncCommit(context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, msg := range pending {
		msg.Ack()
	}
	return nil
}

func (c *Consumer) ResetToLastCommitted(context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, msg := range pending {
		msg.Nack()
	}
	if len(pending) > 0 {
		c.logger.Debug("Nacked uncommitted messages", loggingpkg.LogFields{"count": len(pending)})
	}
	return nil
}

// Close nacks uncommitted messages and ends the subscription.
func (c *Consumer) Close() error {
	_ = c.ResetToLastCommitted(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
