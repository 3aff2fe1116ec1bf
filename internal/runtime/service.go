package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventmediator/internal/runtime/client"
	configpkg "github.com/drblury/eventmediator/internal/runtime/config"
	"github.com/drblury/eventmediator/internal/runtime/consumer"
	kafkaconsumer "github.com/drblury/eventmediator/internal/runtime/consumer/kafka"
	wmconsumer "github.com/drblury/eventmediator/internal/runtime/consumer/watermill"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	"github.com/drblury/eventmediator/internal/runtime/processor"
	"github.com/drblury/eventmediator/internal/runtime/replay"
	"github.com/drblury/eventmediator/internal/runtime/router"
	"github.com/drblury/eventmediator/internal/runtime/serde"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
	"github.com/drblury/eventmediator/internal/runtime/state/memory"
	"github.com/drblury/eventmediator/internal/runtime/state/postgres"
	"github.com/drblury/eventmediator/internal/runtime/state/sqlite"
	"github.com/drblury/eventmediator/transport"
	_ "github.com/drblury/eventmediator/transport/transports"
)

// Client ids registered by NewService.
const (
	BusClientID = "bus"
	RPCClientID = "rpc"
)

// TransportFactory builds the bus a Service consumes from and publishes to.
type TransportFactory func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)

// ServiceDependencies holds the application pieces a Service cannot derive
// from configuration. Optional fields override what the config selects.
type ServiceDependencies[S, E any] struct {
	MessageProcessor processor.StateAndEventProcessor[S, E]
	RouterFactory    router.Factory
	StateSerializer  serde.Serializer[S]
	EventSerializer  serde.Serializer[E]

	// ExtraClients are registered next to the bus and RPC clients.
	ExtraClients []client.Factory
	// ExtraConsumers are polled next to the configured topics.
	ExtraConsumers []consumer.Factory

	TransportFactory TransportFactory
	StateStore       statepkg.Store
	HTTPClient       *http.Client
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
	Tracer           trace.Tracer
}

// Service assembles a Mediator from a Config: the bus transport, the state
// store, the consumers of every configured topic, the bus and RPC clients,
// metrics and the status server.
type Service[S, E any] struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transport.Transport
	store     statepkg.Store
	ownsStore bool
	metrics   *MediatorMetrics
	mediator  *Mediator[S, E]
	status    *StatusServer
}

// NewService builds every collaborator selected by conf. Nothing is started
// until Start.
func NewService[S, E any](ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies[S, E]) (*Service[S, E], error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	log = loggingpkg.OrNop(log)
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event mediator service", loggingpkg.LogFields{
		"pubsub_system":    conf.PubSubSystem,
		"consumer_backend": conf.ConsumerBackend,
		"state_store":      conf.StateStore,
		"config":           conf,
	})

	s := &Service[S, E]{Conf: conf, Logger: log}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transport.Build
	}
	tr, err := factory(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.transport = tr
	for _, limitation := range tr.Capabilities.Limitations() {
		log.Info("Transport limitation", loggingpkg.LogFields{"limitation": limitation})
	}

	if err := s.openStore(deps.StateStore); err != nil {
		return nil, errors.Join(err, s.transport.Close())
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.metrics = NewMediatorMetrics(conf.Name, registerer)
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, errors.Join(fmt.Errorf("register metrics: %w", err), s.closeResources())
		}
	}

	consumers, err := s.consumerFactories(deps.ExtraConsumers)
	if err != nil {
		return nil, errors.Join(err, s.closeResources())
	}

	m, err := NewMediator(MediatorConfig[S, E]{
		Name:                   conf.Name,
		PollTimeout:            conf.PollTimeout,
		EventProcessingTimeout: conf.EventProcessingTimeout,
		GroupCount:             conf.GroupCount,
		MinGroupSize:           conf.MinGroupSize,
		MaxConsumerAttempts:    conf.MaxConsumerAttempts,
		Threads:                conf.Threads,
		ConsumerFactories:      consumers,
		ClientFactories:        s.clientFactories(deps.HTTPClient, deps.ExtraClients),
		MessageProcessor:       deps.MessageProcessor,
		RouterFactory:          deps.RouterFactory,
		StateStore:             s.store,
		StateSerializer:        deps.StateSerializer,
		EventSerializer:        deps.EventSerializer,
		Replay:                 replay.Config{MaxEntries: conf.ReplayMaxEntries, MinRetention: conf.ReplayMinRetention},
		Logger:                 log,
		Metrics:                s.metrics,
		Tracer:                 deps.Tracer,
	})
	if err != nil {
		return nil, errors.Join(err, s.closeResources())
	}
	s.mediator = m

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.status = NewStatusServer(m, StatusServerConfig{
		StatusEnabled:      conf.StatusEnabled,
		StatusPort:         conf.StatusPort,
		CORSAllowedOrigins: conf.StatusCORSAllowedOrigins,
		MetricsEnabled:     conf.MetricsEnabled,
		MetricsPort:        conf.MetricsPort,
		Gatherer:           gatherer,
	}, log)
	return s, nil
}

func (s *Service[S, E]) openStore(override statepkg.Store) error {
	if override != nil {
		s.store = override
		return nil
	}
	s.ownsStore = true
	switch strings.ToLower(s.Conf.StateStore) {
	case "", configpkg.StateStoreMemory:
		s.store = memory.New()
	case configpkg.StateStoreSQLite:
		st, err := sqlite.Open(sqlite.Config{FilePath: s.Conf.SQLiteFile, Table: s.Conf.StateTable})
		if err != nil {
			return fmt.Errorf("open sqlite state store: %w", err)
		}
		s.store = st
	case configpkg.StateStorePostgres:
		st, err := postgres.Open(postgres.Config{
			ConnectionString: s.Conf.PostgresURL,
			SchemaName:       s.Conf.PostgresSchema,
			Table:            s.Conf.StateTable,
		})
		if err != nil {
			return fmt.Errorf("open postgres state store: %w", err)
		}
		s.store = st
	default:
		return fmt.Errorf("unknown state store %q", s.Conf.StateStore)
	}
	return nil
}

func (s *Service[S, E]) consumerFactories(extra []consumer.Factory) ([]consumer.Factory, error) {
	factories := make([]consumer.Factory, 0, len(s.Conf.Topics)+len(extra))
	for _, topic := range s.Conf.Topics {
		if strings.ToLower(s.Conf.ConsumerBackend) == configpkg.ConsumerKafka {
			cfg := kafkaconsumer.Config{
				Brokers:        s.Conf.KafkaBrokers,
				Topic:          topic,
				GroupID:        s.Conf.KafkaConsumerGroup,
				ClientID:       s.Conf.KafkaClientID,
				MaxPollRecords: s.Conf.MaxPollRecords,
				TLS:            s.Conf.KafkaTLS,
			}
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("kafka consumer for %q: %w", topic, err)
			}
			factories = append(factories, kafkaconsumer.Factory(cfg, s.Logger))
			continue
		}
		factories = append(factories, wmconsumer.Factory(wmconsumer.Config{
			Topic:          topic,
			MaxPollRecords: s.Conf.MaxPollRecords,
		}, s.transport.Subscriber, s.Logger))
	}
	return append(factories, extra...), nil
}

func (s *Service[S, E]) clientFactories(httpClient *http.Client, extra []client.Factory) []client.Factory {
	factories := []client.Factory{
		func() (client.Client, error) {
			return client.NewBusClient(BusClientID, sharedPublisher{s.transport.Publisher}, s.Logger)
		},
		func() (client.Client, error) {
			return client.NewRPCClient(RPCClientID, httpClient, client.RPCConfig{
				Timeout:         s.Conf.RPCTimeout,
				MaxAttempts:     s.Conf.RPCMaxAttempts,
				InitialInterval: s.Conf.RPCInitialInterval,
				MaxInterval:     s.Conf.RPCMaxInterval,
			}, s.Logger), nil
		},
	}
	return append(factories, extra...)
}

// sharedPublisher leaves closing to the transport owner.
type sharedPublisher struct{ message.Publisher }

func (sharedPublisher) Close() error { return nil }

// Mediator returns the assembled mediator.
func (s *Service[S, E]) Mediator() *Mediator[S, E] { return s.mediator }

// Metrics returns the mediator metrics.
func (s *Service[S, E]) Metrics() *MediatorMetrics { return s.metrics }

// StatusServer returns the HTTP server for status and metrics. Additional
// handlers may be registered on it before Start.
func (s *Service[S, E]) StatusServer() *StatusServer { return s.status }

// Start serves the HTTP endpoints and runs the mediator until ctx is done or
// a topic fails. Everything is closed before it returns.
func (s *Service[S, E]) Start(ctx context.Context) error {
	if err := s.status.Start(); err != nil {
		return errors.Join(err, s.Close())
	}
	runErr := s.mediator.Run(ctx)
	return errors.Join(runErr, s.Close())
}

// Close stops the mediator, the HTTP servers, the transport and the state
// store opened by NewService.
func (s *Service[S, E]) Close() error {
	var errs []error
	if s.mediator != nil {
		errs = append(errs, s.mediator.Close())
	}
	if s.status != nil {
		errs = append(errs, s.status.Shutdown(context.Background()))
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *Service[S, E]) closeResources() error {
	var errs []error
	errs = append(errs, s.transport.Close())
	s.transport = transport.Transport{}
	if s.ownsStore {
		if closer, ok := s.store.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
		s.ownsStore = false
	}
	return errors.Join(errs...)
}
