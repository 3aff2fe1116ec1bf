package processor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventmediator/internal/runtime/consumer"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	"github.com/drblury/eventmediator/internal/runtime/groups"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	"github.com/drblury/eventmediator/internal/runtime/replay"
	"github.com/drblury/eventmediator/internal/runtime/router"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
	"github.com/drblury/eventmediator/internal/runtime/taskpool"
)

const (
	DefaultPollTimeout            = 100 * time.Millisecond
	DefaultEventProcessingTimeout = 30 * time.Second
	DefaultMaxConsumerAttempts    = 5
	DefaultRetryInitialInterval   = 50 * time.Millisecond
	DefaultRetryMaxInterval       = 5 * time.Second

	tracerName = "github.com/drblury/eventmediator/processor"
)

var errStopped = errspkg.Intermittent(errors.New("mediator stopped before batch completed"))

// Config tunes a ConsumerProcessor.
type Config struct {
	// Name identifies the mediator in logs, metrics and spans.
	Name        string
	PollTimeout time.Duration
	// EventProcessingTimeout bounds each group. Keys of a group that times
	// out are marked as failed.
	EventProcessingTimeout time.Duration
	Groups                 groups.Config
	// MaxConsumerAttempts caps consecutive failures to create a consumer.
	MaxConsumerAttempts int
	// RetryInitialInterval and RetryMaxInterval pace both conflict retries
	// and consumer recovery.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.EventProcessingTimeout <= 0 {
		c.EventProcessingTimeout = DefaultEventProcessingTimeout
	}
	if c.MaxConsumerAttempts <= 0 {
		c.MaxConsumerAttempts = DefaultMaxConsumerAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = max(DefaultRetryMaxInterval, c.RetryInitialInterval)
	}
	return c
}

// Option customises a ConsumerProcessor.
type Option func(*options)

type options struct {
	metrics Metrics
	tracer  trace.Tracer
	logger  loggingpkg.ServiceLogger
	stopped func() bool
}

// WithMetrics replaces the no-op metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer used for batch and group spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger sets the logger of the poll loop.
func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStopped installs the flag checked before every poll.
func WithStopped(fn func() bool) Option {
	return func(o *options) {
		if fn != nil {
			o.stopped = fn
		}
	}
}

// ConsumerProcessor owns the poll loop of one topic at a time. The same
// instance may drive several topics concurrently.
type ConsumerProcessor[S, E any] struct {
	cfg     Config
	events  *EventProcessor[S, E]
	store   statepkg.Store
	pool    *taskpool.Pool
	metrics Metrics
	tracer  trace.Tracer
	logger  loggingpkg.ServiceLogger
	stopped func() bool
}

// NewConsumerProcessor returns a processor running events over store. A nil
// pool gets a default-sized one.
func NewConsumerProcessor[S, E any](cfg Config, events *EventProcessor[S, E], store statepkg.Store, pool *taskpool.Pool, opts ...Option) (*ConsumerProcessor[S, E], error) {
	if events == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if store == nil {
		return nil, errspkg.ErrStateStoreRequired
	}
	if pool == nil {
		pool = taskpool.New(0)
	}
	o := options{
		metrics: NopMetrics{},
		tracer:  otel.Tracer(tracerName),
		logger:  loggingpkg.NewNopLogger(),
		stopped: func() bool { return false },
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	return &ConsumerProcessor[S, E]{
		cfg:     cfg,
		events:  events,
		store:   store,
		pool:    pool,
		metrics: o.metrics,
		tracer:  o.tracer,
		logger:  o.logger.With(loggingpkg.LogFields{loggingpkg.FieldMediator: cfg.Name}),
		stopped: o.stopped,
	}, nil
}

// ProcessTopic creates a consumer from factory and processes its records
// until ctx is done or the stop flag is raised. Intermittent failures reset
// the consumer to its last committed position and retry; a fatal error
// closes the consumer and is returned.
func (c *ConsumerProcessor[S, E]) ProcessTopic(ctx context.Context, factory consumer.Factory) error {
	if factory == nil {
		return errspkg.ErrConsumerFactoryRequired
	}
	topic := factory.Topic()
	log := c.logger.With(loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
	bo := c.newBackOff()

	var cons consumer.Consumer
	defer func() {
		if cons != nil {
			if err := cons.Close(); err != nil {
				log.Error("Failed to close consumer", err, nil)
			}
		}
	}()

	createAttempts, failures := 0, 0
	for !c.done(ctx) {
		if cons == nil {
			created, err := c.connect(ctx, factory)
			if err != nil {
				if c.done(ctx) {
					break
				}
				createAttempts++
				if !errspkg.IsIntermittent(err) || createAttempts >= c.cfg.MaxConsumerAttempts {
					log.Error("Giving up creating consumer", err, loggingpkg.LogFields{loggingpkg.FieldAttempt: createAttempts})
					return errspkg.Fatal(fmt.Errorf("topic %q: %w", topic, err))
				}
				log.Error("Failed to create consumer, retrying", err, loggingpkg.LogFields{loggingpkg.FieldAttempt: createAttempts})
				sleep(ctx, bo.NextBackOff())
				continue
			}
			cons, createAttempts = created, 0
		}

		err := c.pollAndProcess(ctx, cons, topic)
		if err == nil {
			failures = 0
			bo.Reset()
			continue
		}
		if c.done(ctx) {
			break
		}
		if !errspkg.IsIntermittent(err) {
			log.Error("Fatal error, stopping topic processing", err, nil)
			return err
		}

		failures++
		log.Error("Failed to process records, retrying poll and process", err, loggingpkg.LogFields{loggingpkg.FieldAttempt: failures})
		if errors.Is(err, errspkg.ErrConsumerClosed) {
			c.discard(log, cons)
			cons = nil
		} else if resetErr := cons.ResetToLastCommitted(ctx); resetErr != nil {
			log.Error("Failed to reset consumer, recreating it", resetErr, nil)
			c.discard(log, cons)
			cons = nil
		}
		sleep(ctx, bo.NextBackOff())
	}
	log.Info("Topic processing stopped", nil)
	return nil
}

func (c *ConsumerProcessor[S, E]) connect(ctx context.Context, factory consumer.Factory) (consumer.Consumer, error) {
	cons, err := factory.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	if err := cons.Subscribe(ctx); err != nil {
		_ = cons.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return cons, nil
}

func (c *ConsumerProcessor[S, E]) discard(log loggingpkg.ServiceLogger, cons consumer.Consumer) {
	if err := cons.Close(); err != nil {
		log.Error("Failed to close consumer", err, nil)
	}
}

// pollAndProcess runs one poll cycle. Offsets are committed only after every
// key of the batch has been persisted and its outputs sent.
func (c *ConsumerProcessor[S, E]) pollAndProcess(ctx context.Context, cons consumer.Consumer, topic string) error {
	start := time.Now()
	raw, err := cons.Poll(ctx, c.cfg.PollTimeout)
	c.metrics.ObservePhase(topic, PhasePoll, time.Since(start))
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "mediator.ProcessBatch", trace.WithAttributes(
		attribute.String("mediator.name", c.cfg.Name),
		attribute.String("messaging.destination.name", topic),
		attribute.Int("messaging.batch.message_count", len(raw)),
	))
	defer span.End()

	if err := c.processBatch(ctx, topic, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ctx.Err() != nil {
		return errStopped
	}

	commitStart := time.Now()
	err = cons.SyncCommit(ctx)
	c.metrics.ObservePhase(topic, PhaseCommit, time.Since(commitStart))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	c.metrics.ObservePhase(topic, PhaseProcess, time.Since(start))
	return nil
}

func (c *ConsumerProcessor[S, E]) processBatch(ctx context.Context, topic string, raw []consumer.Record) error {
	c.metrics.ObservePollSize(topic, len(raw))
	records := c.decode(topic, raw)
	if len(records) == 0 {
		return nil
	}

	loadStart := time.Now()
	states, err := c.store.Get(ctx, distinctKeys(records))
	c.metrics.ObservePhase(topic, PhaseLoad, time.Since(loadStart))
	if err != nil {
		return fmt.Errorf("load states: %w", err)
	}

	bo := c.newBackOff()
	pending := groups.Allocate(records, c.cfg.Groups)
	for round := 1; len(pending) > 0; round++ {
		outputs, err := c.processGroups(ctx, topic, pending, states)
		if err != nil {
			return err
		}
		// A cancelled run may hold markers for inputs that never finished.
		if ctx.Err() != nil {
			return errStopped
		}
		failed, err := c.persistAndSend(ctx, topic, outputs)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return nil
		}

		c.metrics.AddConflicts(topic, len(failed))
		c.logger.Debug("Retrying keys that failed to persist", loggingpkg.LogFields{
			loggingpkg.FieldTopic:   topic,
			loggingpkg.FieldAttempt: round,
			"keys":                  len(failed),
		})
		states = make(map[string]statepkg.State, len(failed))
		for key, st := range failed {
			if st != nil {
				states[key] = *st
			}
		}
		pending = groups.Allocate(slices.DeleteFunc(slices.Clone(records), func(r event.Record[E]) bool {
			_, retry := failed[r.Key]
			return !retry
		}), c.cfg.Groups)

		if c.done(ctx) {
			return errStopped
		}
		sleep(ctx, bo.NextBackOff())
	}
	return nil
}

// decode turns raw records into typed inputs. Records whose value cannot be
// decoded are logged and skipped so they do not block the partition.
func (c *ConsumerProcessor[S, E]) decode(topic string, raw []consumer.Record) []event.Record[E] {
	records := make([]event.Record[E], 0, len(raw))
	for _, r := range raw {
		value, err := c.events.eventSerde.Deserialize(r.Value)
		if err != nil {
			c.logger.Error("Skipping record that cannot be decoded", err, loggingpkg.LogFields{
				loggingpkg.FieldTopic: topic,
				loggingpkg.FieldKey:   r.Key,
				"partition":           r.Partition,
				"offset":              r.Offset,
			})
			continue
		}
		records = append(records, event.Record[E]{
			Key:       r.Key,
			Value:     value,
			Topic:     r.Topic,
			Timestamp: r.Timestamp,
			Headers:   r.Headers,
			ID:        replay.InputID(r.Topic, r.Key, r.Value, r.Headers),
		})
	}
	return records
}

// processGroups runs every group on the pool and waits for all of them.
func (c *ConsumerProcessor[S, E]) processGroups(ctx context.Context, topic string, pending []groups.Group[E], states map[string]statepkg.State) (map[string]Output, error) {
	start := time.Now()
	defer func() { c.metrics.ObservePhase(topic, PhaseGroup, time.Since(start)) }()

	futures := make([]*taskpool.Future[map[string]Output], len(pending))
	for i, group := range pending {
		futures[i] = taskpool.Submit(ctx, c.pool, func(ctx context.Context) (map[string]Output, error) {
			ctx, span := c.tracer.Start(ctx, "mediator.ProcessGroup", trace.WithAttributes(
				attribute.String("messaging.destination.name", topic),
				attribute.Int("mediator.group.index", i),
				attribute.Int("mediator.group.keys", len(group)),
				attribute.Int("mediator.group.records", group.Size()),
			))
			defer span.End()
			out, err := c.events.ProcessEvents(ctx, group, states)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		})
	}

	outputs := make(map[string]Output)
	var firstErr error
	for i, future := range futures {
		out, err := future.Await(c.cfg.EventProcessingTimeout)
		switch {
		case errors.Is(err, errspkg.ErrTimeout):
			keys := pending[i].Keys()
			c.logger.Error("Group processing timed out, marking keys as failed", err, loggingpkg.LogFields{
				loggingpkg.FieldTopic: topic,
				loggingpkg.FieldGroup: i,
				"keys":                len(keys),
			})
			for _, key := range keys {
				outputs[key] = Output{Change: FailureChange(key, lookup(states, key))}
			}
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		default:
			maps.Copy(outputs, out)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	replayed, failed := 0, 0
	for _, out := range outputs {
		replayed += out.Replayed
		if out.Failed() {
			failed++
		}
	}
	c.metrics.AddReplayed(topic, replayed)
	c.metrics.AddFailed(topic, failed)
	return outputs, nil
}

// persistAndSend writes every state change, then sends the outputs of keys
// that persisted. It returns the keys that failed to persist mapped to the
// state currently stored, or nil when the key is absent.
func (c *ConsumerProcessor[S, E]) persistAndSend(ctx context.Context, topic string, outputs map[string]Output) (map[string]*statepkg.State, error) {
	keys := slices.Sorted(maps.Keys(outputs))

	var creates, updates, deletes []statepkg.State
	for _, key := range keys {
		change := outputs[key].Change
		switch change.Op {
		case OpCreate:
			creates = append(creates, *change.State)
		case OpUpdate:
			updates = append(updates, *change.State)
		case OpDelete:
			deletes = append(deletes, *change.State)
		}
	}

	t0 := time.Now()
	var (
		failedCreate []string
		current      map[string]statepkg.State
		failed       = make(map[string]*statepkg.State)
		err          error
	)
	if len(creates) > 0 {
		if failedCreate, err = c.store.Create(ctx, creates); err != nil {
			return nil, fmt.Errorf("create states: %w", err)
		}
	}
	t1 := time.Now()
	if len(failedCreate) > 0 {
		if current, err = c.store.Get(ctx, failedCreate); err != nil {
			return nil, fmt.Errorf("read conflicting states: %w", err)
		}
	}
	t2 := time.Now()
	if len(deletes) > 0 {
		failedDelete, err := c.store.Delete(ctx, deletes)
		if err != nil {
			return nil, fmt.Errorf("delete states: %w", err)
		}
		maps.Copy(failed, failedDelete)
	}
	t3 := time.Now()
	if len(updates) > 0 {
		failedUpdate, err := c.store.Update(ctx, updates)
		if err != nil {
			return nil, fmt.Errorf("update states: %w", err)
		}
		maps.Copy(failed, failedUpdate)
	}
	t4 := time.Now()
	for _, key := range failedCreate {
		failed[key] = lookup(current, key)
	}

	c.metrics.ObservePhase(topic, PhasePersist, t4.Sub(t0))
	c.metrics.ObservePhase(topic, PhasePersistCreate, t1.Sub(t0))
	c.metrics.ObservePhase(topic, PhasePersistGet, t2.Sub(t1))
	c.metrics.ObservePhase(topic, PhasePersistDelete, t3.Sub(t2))
	c.metrics.ObservePhase(topic, PhasePersistUpdate, t4.Sub(t3))

	sendStart := time.Now()
	for _, key := range keys {
		if _, conflict := failed[key]; conflict {
			continue
		}
		for _, msg := range outputs[key].AsyncOutputs {
			if err := c.sendAsync(ctx, msg); err != nil {
				return nil, err
			}
		}
	}
	c.metrics.ObservePhase(topic, PhaseSendAsync, time.Since(sendStart))
	return failed, nil
}

func (c *ConsumerProcessor[S, E]) sendAsync(ctx context.Context, msg *event.Message) error {
	dest, err := router.Resolve(c.events.router, msg)
	if err != nil {
		return err
	}
	out := msg.Clone()
	out.SetProperty(event.PropEndpoint, dest.Endpoint)
	if _, err := dest.Client.Send(ctx, out); err != nil {
		return fmt.Errorf("send to %s via %s: %w", dest.Endpoint, dest.Client.ID(), err)
	}
	return nil
}

func (c *ConsumerProcessor[S, E]) done(ctx context.Context) bool {
	return ctx.Err() != nil || c.stopped()
}

func (c *ConsumerProcessor[S, E]) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialInterval
	bo.MaxInterval = c.cfg.RetryMaxInterval
	bo.Reset()
	return bo
}

func distinctKeys[E any](records []event.Record[E]) []string {
	seen := make(map[string]struct{}, len(records))
	keys := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		keys = append(keys, r.Key)
	}
	return keys
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
