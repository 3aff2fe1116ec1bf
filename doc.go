// Package eventmediator runs stateful, keyed event processing on top of
// Watermill. A Mediator polls one or more input topics, groups the records of
// each batch by key, loads the current state for every key, and hands state
// and events to a StateAndEventProcessor. The resulting state changes are
// persisted with optimistic versioning before the produced messages are sent
// to their destinations, and offsets are committed only after every key of the
// batch is settled.
//
// A minimal setup fills Config (or calls LoadConfigFromEnv), supplies a
// processor, a RouterFactory and serializers in ServiceDependencies, and calls
// NewService followed by Service.Start.
//
// # Transports
//
// The bus used for consuming and publishing is picked by name from the
// transport registry:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: partitioned topics, messages keyed by their event key
//   - rabbitmq: durable AMQP queues
//   - aws: SNS/SQS with LocalStack support
//   - nats: core NATS subjects with queue groups
//   - http: webhook style publishing and receiving
//
// Kafka topics can also be consumed directly with franz-go by setting the
// consumer backend to "kafka", which gives partition-aware commits and
// rewinds.
//
// # Routing
//
// Every message a processor produces names its output topic. A Router maps
// that topic to a Destination: the client to send it with, the endpoint and
// whether the send is asynchronous or synchronous. Replies from synchronous
// destinations are fed back into the same input as the next events for their
// key. RoutingTable covers the common static case.
//
// # State
//
// State stores keep one versioned row per key. The in-memory store suits
// tests; SQLite and PostgreSQL stores persist across restarts. A key whose
// processing fails keeps a failure marker in its metadata, and the produced
// messages of a processed input are remembered so a redelivered batch is
// replayed instead of processed twice.
//
// # Observability
//
// Metrics are exported through Prometheus, spans through OpenTelemetry, and
// logs through slog via ServiceLogger. The status server reports the mediator
// lifecycle and per-topic progress as JSON.
package eventmediator
