package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventmediator/internal/runtime/client"
	"github.com/drblury/eventmediator/internal/runtime/consumer"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/groups"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	"github.com/drblury/eventmediator/internal/runtime/processor"
	"github.com/drblury/eventmediator/internal/runtime/replay"
	"github.com/drblury/eventmediator/internal/runtime/router"
	"github.com/drblury/eventmediator/internal/runtime/serde"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
	"github.com/drblury/eventmediator/internal/runtime/taskpool"
)

// MediatorConfig bundles everything a mediator needs. Zero durations and
// sizes fall back to the processor defaults.
type MediatorConfig[S, E any] struct {
	Name string

	PollTimeout            time.Duration
	EventProcessingTimeout time.Duration
	GroupCount             int
	MinGroupSize           int
	MaxConsumerAttempts    int
	// Threads sizes the task pool shared by all topics. Zero uses GOMAXPROCS.
	Threads int

	ConsumerFactories []consumer.Factory
	ClientFactories   []client.Factory
	MessageProcessor  processor.StateAndEventProcessor[S, E]
	RouterFactory     router.Factory
	StateStore        statepkg.Store
	StateSerializer   serde.Serializer[S]
	EventSerializer   serde.Serializer[E]
	Replay            replay.Config

	Logger  loggingpkg.ServiceLogger
	Metrics processor.Metrics
	Tracer  trace.Tracer
}

// Validate reports every missing collaborator at once.
func (c MediatorConfig[S, E]) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("mediator name is required"))
	}
	if len(c.ConsumerFactories) == 0 {
		errs = append(errs, errspkg.ErrConsumerFactoryRequired)
	}
	for i, f := range c.ConsumerFactories {
		if f == nil {
			errs = append(errs, fmt.Errorf("consumer factory %d is nil", i))
		}
	}
	if c.MessageProcessor == nil {
		errs = append(errs, errspkg.ErrProcessorRequired)
	}
	if c.RouterFactory == nil {
		errs = append(errs, errspkg.ErrRouterFactoryRequired)
	}
	if c.StateStore == nil {
		errs = append(errs, errspkg.ErrStateStoreRequired)
	}
	if c.StateSerializer == nil || c.EventSerializer == nil {
		errs = append(errs, errspkg.ErrSerializerRequired)
	}
	return errspkg.NewConfigValidationError(errors.Join(errs...))
}

// Status is the lifecycle state of a mediator.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusError:
		return "ERROR"
	default:
		return "CREATED"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TopicStatus describes the poll loop of one topic.
type TopicStatus struct {
	Topic     string    `json:"topic"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StatusSnapshot is the JSON document served by the status endpoint.
type StatusSnapshot struct {
	Name    string           `json:"name"`
	Status  Status           `json:"status"`
	Clients []string         `json:"clients"`
	Topics  []TopicStatus    `json:"topics"`
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
}

// StatusProvider is implemented by every Mediator regardless of its type
// parameters.
type StatusProvider interface {
	Snapshot() StatusSnapshot
}

// Mediator runs one consumer processor per consumer factory. All topics
// share the task pool, the clients and the state store.
type Mediator[S, E any] struct {
	cfg    MediatorConfig[S, E]
	logger loggingpkg.ServiceLogger
	pool   *taskpool.Pool

	status  atomic.Int32
	stopped atomic.Bool

	mu      sync.Mutex
	clients *client.Registry
	topics  []*TopicStatus
	errs    []error
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewMediator validates cfg and returns a mediator ready to Start.
func NewMediator[S, E any](cfg MediatorConfig[S, E]) (*Mediator[S, E], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingpkg.OrNop(cfg.Logger).With(loggingpkg.LogFields{loggingpkg.FieldMediator: cfg.Name})
	return &Mediator[S, E]{
		cfg:    cfg,
		logger: logger,
		pool:   taskpool.New(cfg.Threads),
		done:   make(chan struct{}),
	}, nil
}

// Start builds the clients and the router and launches a poll loop for
// every consumer factory. It returns once the loops are running.
func (m *Mediator[S, E]) Start(ctx context.Context) error {
	if !m.status.CompareAndSwap(int32(StatusCreated), int32(StatusRunning)) {
		return errspkg.ErrAlreadyStarted
	}

	cp, clients, err := m.build()
	if err != nil {
		m.status.Store(int32(StatusError))
		close(m.done)
		return err
	}

	// The loops outlive ctx by the drain period so in-flight batches can
	// persist and commit.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.clients = clients
	m.cancel = cancel
	m.mu.Unlock()
	stopAfter := context.AfterFunc(ctx, m.beginStop)

	m.logger.Info("Starting event mediator", loggingpkg.LogFields{
		"topics":  len(m.cfg.ConsumerFactories),
		"clients": clients.IDs(),
		"threads": m.pool.Size(),
	})

	for _, factory := range m.cfg.ConsumerFactories {
		ts := &TopicStatus{Topic: factory.Topic(), Running: true, StartedAt: time.Now()}
		m.mu.Lock()
		m.topics = append(m.topics, ts)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runTopic(runCtx, cp, factory, ts)
	}

	go func() {
		m.wg.Wait()
		stopAfter()
		cancel()
		close(m.done)
	}()
	return nil
}

// beginStop raises the stop flag so the loops finish their current batch,
// and cancels them once the drain deadline passes.
func (m *Mediator[S, E]) beginStop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel == nil {
			return
		}
		drain := m.cfg.EventProcessingTimeout
		if drain <= 0 {
			drain = processor.DefaultEventProcessingTimeout
		}
		m.logger.Debug("Draining in-flight batches", loggingpkg.LogFields{"drain": drain.String()})
		time.AfterFunc(drain, cancel)
	})
}

func (m *Mediator[S, E]) build() (*processor.ConsumerProcessor[S, E], *client.Registry, error) {
	clients, err := client.Build(m.cfg.ClientFactories...)
	if err != nil {
		return nil, nil, fmt.Errorf("build clients: %w", err)
	}
	rt, err := m.cfg.RouterFactory(clients)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("build router: %w", err), clients.Close())
	}

	events, err := processor.NewEventProcessor(processor.EventProcessorConfig[S, E]{
		Processor:       m.cfg.MessageProcessor,
		Router:          rt,
		StateSerializer: m.cfg.StateSerializer,
		EventSerializer: m.cfg.EventSerializer,
		Replay:          replay.New(m.cfg.Replay),
		Logger:          m.logger,
	})
	if err != nil {
		return nil, nil, errors.Join(err, clients.Close())
	}

	cp, err := processor.NewConsumerProcessor(processor.Config{
		Name:                   m.cfg.Name,
		PollTimeout:            m.cfg.PollTimeout,
		EventProcessingTimeout: m.cfg.EventProcessingTimeout,
		Groups:                 groups.Config{GroupCount: m.cfg.GroupCount, MinGroupSize: m.cfg.MinGroupSize},
		MaxConsumerAttempts:    m.cfg.MaxConsumerAttempts,
	}, events, m.cfg.StateStore, m.pool,
		processor.WithLogger(m.logger),
		processor.WithMetrics(m.cfg.Metrics),
		processor.WithTracer(m.cfg.Tracer),
		processor.WithStopped(m.stopped.Load),
	)
	if err != nil {
		return nil, nil, errors.Join(err, clients.Close())
	}
	return cp, clients, nil
}

// runTopic drives one topic. A fatal error stops every other topic too.
func (m *Mediator[S, E]) runTopic(ctx context.Context, cp *processor.ConsumerProcessor[S, E], factory consumer.Factory, ts *TopicStatus) {
	defer m.wg.Done()
	err := cp.ProcessTopic(ctx, factory)

	m.mu.Lock()
	ts.Running = false
	ts.StoppedAt = time.Now()
	if err != nil {
		ts.Error = err.Error()
		m.errs = append(m.errs, fmt.Errorf("topic %q: %w", ts.Topic, err))
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Topic processing failed, stopping mediator", err, loggingpkg.LogFields{loggingpkg.FieldTopic: ts.Topic})
		m.status.Store(int32(StatusError))
		m.stopped.Store(true)
	}
}

// Wait blocks until every poll loop has returned or ctx is done. It returns
// the fatal errors that stopped the topics.
func (m *Mediator[S, E]) Wait(ctx context.Context) error {
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}

// Run starts the mediator, blocks until ctx is done or a topic fails, and
// closes it.
func (m *Mediator[S, E]) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	waitErr := m.Wait(ctx)
	if errors.Is(waitErr, context.Canceled) || errors.Is(waitErr, context.DeadlineExceeded) {
		waitErr = nil
	}
	return errors.Join(waitErr, m.Close())
}

// Close raises the stop flag, waits for the poll loops to drain and closes
// the clients. Loops still busy after EventProcessingTimeout are cancelled
// and leave their batch uncommitted. It is safe to call more than once.
func (m *Mediator[S, E]) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.beginStop()
		m.mu.Lock()
		clients := m.clients
		m.mu.Unlock()
		if m.status.Load() != int32(StatusCreated) {
			<-m.done
		}
		if clients != nil {
			err = clients.Close()
		}
		m.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopped))
		m.status.CompareAndSwap(int32(StatusCreated), int32(StatusStopped))
		m.logger.Info("Event mediator closed", loggingpkg.LogFields{"status": m.Status().String()})
	})
	return err
}

// Status returns the lifecycle state.
func (m *Mediator[S, E]) Status() Status {
	return Status(m.status.Load())
}

// Snapshot reports the lifecycle state of the mediator and of every topic.
func (m *Mediator[S, E]) Snapshot() StatusSnapshot {
	m.mu.Lock()
	topics := make([]TopicStatus, len(m.topics))
	for i, ts := range m.topics {
		topics[i] = *ts
	}
	var ids []string
	if m.clients != nil {
		ids = m.clients.IDs()
	}
	m.mu.Unlock()

	snapshot := StatusSnapshot{
		Name:    m.cfg.Name,
		Status:  m.Status(),
		Clients: ids,
		Topics:  topics,
	}
	if mm, ok := m.cfg.Metrics.(*MediatorMetrics); ok {
		metrics := mm.Snapshot()
		snapshot.Metrics = &metrics
	}
	return snapshot
}
