package eventmediator

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/eventmediator/internal/runtime"
	"github.com/drblury/eventmediator/internal/runtime/client"
	configpkg "github.com/drblury/eventmediator/internal/runtime/config"
	"github.com/drblury/eventmediator/internal/runtime/consumer"
	kafkaconsumer "github.com/drblury/eventmediator/internal/runtime/consumer/kafka"
	wmconsumer "github.com/drblury/eventmediator/internal/runtime/consumer/watermill"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	idspkg "github.com/drblury/eventmediator/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventmediator/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	"github.com/drblury/eventmediator/internal/runtime/processor"
	"github.com/drblury/eventmediator/internal/runtime/replay"
	"github.com/drblury/eventmediator/internal/runtime/router"
	"github.com/drblury/eventmediator/internal/runtime/serde"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
	"github.com/drblury/eventmediator/internal/runtime/state/memory"
	"github.com/drblury/eventmediator/internal/runtime/state/postgres"
	"github.com/drblury/eventmediator/internal/runtime/state/sqlite"
	"github.com/drblury/eventmediator/internal/runtime/state/sqlstore"
	transportpkg "github.com/drblury/eventmediator/transport"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	Mediator[S, E any]            = runtimepkg.Mediator[S, E]
	MediatorConfig[S, E any]      = runtimepkg.MediatorConfig[S, E]
	Service[S, E any]             = runtimepkg.Service[S, E]
	ServiceDependencies[S, E any] = runtimepkg.ServiceDependencies[S, E]

	Status             = runtimepkg.Status
	StatusSnapshot     = runtimepkg.StatusSnapshot
	TopicStatus        = runtimepkg.TopicStatus
	StatusServer       = runtimepkg.StatusServer
	StatusServerConfig = runtimepkg.StatusServerConfig
	MediatorMetrics    = runtimepkg.MediatorMetrics
	MetricsSnapshot    = runtimepkg.MetricsSnapshot
	TopicMetrics       = runtimepkg.TopicMetrics
	TransportFactory   = runtimepkg.TransportFactory

	// Processing contract
	State[S any]                     = processor.State[S]
	Response[S, E any]               = processor.Response[S, E]
	StateAndEventProcessor[S, E any] = processor.StateAndEventProcessor[S, E]
	ProcessorFunc[S, E any]          = processor.ProcessorFunc[S, E]
	Metrics                          = processor.Metrics
	Phase                            = processor.Phase

	Record[E any] = event.Record[E]
	Message       = event.Message

	// Collaborators
	Client            = client.Client
	ClientFactory     = client.Factory
	ClientRegistry    = client.Registry
	RPCConfig         = client.RPCConfig
	Router            = router.Router
	RouterFunc        = router.RouterFunc
	RouterFactory     = router.Factory
	ClientFinder      = router.ClientFinder
	Destination       = router.Destination
	DestinationType   = router.DestinationType
	Route             = router.Route
	RoutingTable      = router.Table
	Consumer          = consumer.Consumer
	ConsumerFactory   = consumer.Factory
	ConsumerRecord    = consumer.Record
	StateStore        = statepkg.Store
	StoredState       = statepkg.State
	Serializer[T any] = serde.Serializer[T]
	ReplayConfig      = replay.Config

	Metadata      = metadatapkg.Metadata
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities

	WatermillConsumerConfig = wmconsumer.Config
	KafkaConsumerConfig     = kafkaconsumer.Config
	SQLiteConfig            = sqlite.Config
	PostgresConfig          = postgres.Config
)

const (
	StatusCreated = runtimepkg.StatusCreated
	StatusRunning = runtimepkg.StatusRunning
	StatusStopped = runtimepkg.StatusStopped
	StatusError   = runtimepkg.StatusError

	Asynchronous = router.Asynchronous
	Synchronous  = router.Synchronous

	BusClientID = runtimepkg.BusClientID
	RPCClientID = runtimepkg.RPCClientID

	PropKey        = event.PropKey
	PropTopic      = event.PropTopic
	PropEndpoint   = event.PropEndpoint
	PropStatusCode = event.PropStatusCode
)

var (
	LoadConfigFromEnv = configpkg.LoadFromEnv
	ValidateConfig    = configpkg.ValidateConfig

	NewStatusServer    = runtimepkg.NewStatusServer
	NewMediatorMetrics = runtimepkg.NewMediatorMetrics

	NewClientRegistry = client.NewRegistry
	NewFuncClient     = client.NewFuncClient
	NewBusClient      = client.NewBusClient
	NewMessage        = event.NewMessage

	NewMemoryStateStore = memory.New
	OpenSQLiteStore     = sqlite.Open
	OpenPostgresStore   = postgres.Open

	NewWatermillConsumerFactory = wmconsumer.Factory
	NewKafkaConsumerFactory     = kafkaconsumer.Factory

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Intermittent   = errspkg.Intermittent
	Fatal          = errspkg.Fatal
	IsIntermittent = errspkg.IsIntermittent
	IsFatal        = errspkg.IsFatal

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrStateStoreRequired      = errspkg.ErrStateStoreRequired
	ErrProcessorRequired       = errspkg.ErrProcessorRequired
	ErrRouterFactoryRequired   = errspkg.ErrRouterFactoryRequired
	ErrConsumerFactoryRequired = errspkg.ErrConsumerFactoryRequired
	ErrSerializerRequired      = errspkg.ErrSerializerRequired
	ErrClientNotFound          = errspkg.ErrClientNotFound
	ErrNoRoute                 = errspkg.ErrNoRoute
	ErrAlreadyStarted          = errspkg.ErrAlreadyStarted
	ErrUnknownTransport        = transportpkg.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// NewMediator validates cfg and returns a mediator ready to Start.
func NewMediator[S, E any](cfg MediatorConfig[S, E]) (*Mediator[S, E], error) {
	return runtimepkg.NewMediator(cfg)
}

// NewService assembles a mediator, its transport, state store, clients and
// status server from conf.
func NewService[S, E any](ctx context.Context, conf *Config, log ServiceLogger, deps ServiceDependencies[S, E]) (*Service[S, E], error) {
	return runtimepkg.NewService(ctx, conf, log, deps)
}

// NewRPCClient returns an HTTP client posting to each message's endpoint.
func NewRPCClient(id string, httpClient *http.Client, cfg RPCConfig, log ServiceLogger) Client {
	return client.NewRPCClient(id, httpClient, cfg, log)
}

// JSONSerializer encodes T with the sonic-backed JSON codec.
func JSONSerializer[T any]() Serializer[T] {
	return serde.NewJSON[T]()
}

// ProtoSerializer encodes T in the protobuf wire format.
func ProtoSerializer[T proto.Message]() Serializer[T] {
	return serde.NewProto[T]()
}

// ProtoJSONSerializer encodes T with protojson.
func ProtoJSONSerializer[T proto.Message]() Serializer[T] {
	return serde.NewProtoJSON[T]()
}

// MetricsFor creates mediator metrics registered on reg.
func MetricsFor(name string, reg prometheus.Registerer) (*MediatorMetrics, error) {
	m := runtimepkg.NewMediatorMetrics(name, reg)
	return m, m.Register()
}

var _ StateStore = (*sqlstore.Store)(nil)
