// Package kafka implements the consumer contract directly on franz-go so
// offsets are committed only when the mediator asks for it.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/eventmediator/internal/runtime/consumer"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

// Config configures one topic consumer.
type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	TLS            bool
	Fetch          FetchConfig
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

// Validate reports a missing topic, group or broker list.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// client is the part of *kgo.Client the consumer uses.
type client interface {
	AddConsumeTopics(topics ...string)
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
	Close()
}

// NewClient is swappable in tests.
var NewClient = func(opts ...kgo.Opt) (client, error) {
	return kgo.NewClient(opts...)
}

// Consumer polls one topic. Rebalances are held back between a poll and the
// following commit or reset so a batch is never split across group members.
type Consumer struct {
	cfg    Config
	logger loggingpkg.ServiceLogger
	client client

	mu         sync.Mutex
	subscribed bool
	closed     bool
	// rewind holds, per partition, the first offset returned since the last
	// commit.
	rewind map[int32]kgo.EpochOffset
}

var _ consumer.Consumer = (*Consumer)(nil)

// New returns a consumer for cfg. Extra opts are passed to the franz-go client.
func New(cfg Config, logger loggingpkg.ServiceLogger, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	kopts = append(kopts, opts...)

	cl, err := NewClient(kopts...)
	if err != nil {
		return nil, errspkg.Intermittent(fmt.Errorf("new kafka client: %w", err))
	}
	return &Consumer{
		cfg:    cfg,
		client: cl,
		logger: loggingpkg.OrNop(logger).With(loggingpkg.LogFields{loggingpkg.FieldTopic: cfg.Topic}),
		rewind: make(map[int32]kgo.EpochOffset),
	}, nil
}

// Factory creates a new franz-go client per consumer.
func Factory(cfg Config, logger loggingpkg.ServiceLogger, opts ...kgo.Opt) consumer.Factory {
	return consumer.FactoryFunc{
		TopicName: cfg.Topic,
		New: func(context.Context, string) (consumer.Consumer, error) {
			return New(cfg, logger, opts...)
		},
	}
}

func (c *Consumer) Subscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConsumerClosed
	}
	if !c.subscribed {
		c.client.AddConsumeTopics(c.cfg.Topic)
		c.subscribed = true
	}
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]consumer.Record, error) {
	c.mu.Lock()
	subscribed, closed := c.subscribed, c.closed
	c.mu.Unlock()
	if closed {
		return nil, errspkg.ErrConsumerClosed
	}
	if !subscribed {
		return nil, errspkg.ErrNotSubscribed
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := c.client.PollRecords(pollCtx, c.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, errspkg.ErrConsumerClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, errspkg.Intermittent(fmt.Errorf("fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var records []consumer.Record
	c.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		if _, ok := c.rewind[r.Partition]; !ok {
			c.rewind[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
		records = append(records, toRecord(r))
	})
	c.mu.Unlock()
	return records, nil
}

func toRecord(r *kgo.Record) consumer.Record {
	headers := make(metadatapkg.Metadata, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return consumer.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       string(r.Key),
		Value:     r.Value,
		Timestamp: r.Timestamp.UTC(),
		Headers:   headers,
	}
}

func (c *Consumer) SyncCommit(ctx context.Context) error {
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		return errspkg.Intermittent(fmt.Errorf("commit offsets: %w", err))
	}
	c.mu.Lock()
	clear(c.rewind)
	c.mu.Unlock()
	c.client.AllowRebalance()
	return nil
}

func (c *Consumer) ResetToLastCommitted(context.Context) error {
	c.mu.Lock()
	if len(c.rewind) > 0 {
		offsets := map[string]map[int32]kgo.EpochOffset{c.cfg.Topic: c.rewind}
		c.rewind = make(map[int32]kgo.EpochOffset)
		c.client.SetOffsets(offsets)
		c.logger.Debug("Rewound to last committed offsets", loggingpkg.LogFields{"partitions": len(offsets[c.cfg.Topic])})
	}
	c.mu.Unlock()
	c.client.AllowRebalance()
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.Close()
	return nil
}
