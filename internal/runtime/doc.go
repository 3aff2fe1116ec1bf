/*
Package runtime provides the event mediator that drives keyed, stateful
processing for eventmediator.

# Architecture Overview

A Mediator owns one processing loop per input topic. Each loop polls a batch
of records from its consumer, decodes them, loads the stored state of every
key in one call, splits the keys into groups and runs the groups on a bounded
task pool. Within a group every key is processed sequentially; keys never
share a group across goroutines. The resulting changes are persisted with
optimistic versioning, produced messages are sent through their routed
clients, and the batch is committed once no key is left failed.

# Package Structure

## Mediator (mediator.go)

Lifecycle and wiring of the topic loops:
  - Start creates the clients, the router and one loop per consumer factory
  - Run blocks until the context ends or a loop fails fatally
  - Close stops the loops and closes every client once
  - Status and Snapshot report the lifecycle to the status server

## Service (service.go)

Assembles a Mediator from Config: the bus transport, the state store, the
consumers of every configured topic, the bus and RPC clients, metrics and the
status server.

## Metrics (metrics.go)

Prometheus collectors for poll sizes, phase latencies, failed keys, persist
conflicts and replayed inputs, plus an in-memory snapshot per topic.

## Status (status.go)

HTTP endpoints serving the mediator status as JSON and the Prometheus
registry, on one port or two.

# Sub-packages

  - client/: Messaging clients (bus, RPC over HTTP, in-process functions)
  - codec/: Record and state encoding around the user serializers
  - config/: Service configuration loaded from the environment
  - consumer/: Polling consumers over Watermill subscribers and franz-go
  - errors/: Sentinel errors and the intermittent/fatal error kinds
  - event/: Records and serialized messages
  - groups/: Key to group allocation
  - ids/: ULID and content-derived identifiers
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: State and message metadata utilities
  - processor/: Batch processing, persistence and retry of failed keys
  - replay/: Produced message log for redelivered inputs
  - router/: Output topic to destination resolution
  - serde/: JSON, protobuf and raw serializers
  - state/: Versioned state stores (memory, SQLite, PostgreSQL)
  - taskpool/: Bounded worker pool with per-task timeouts

# Usage Example

	cfg, err := eventmediator.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	svc, err := eventmediator.NewService(ctx, cfg, logger, eventmediator.ServiceDependencies[Account, Payment]{
		MessageProcessor: eventmediator.ProcessorFunc[Account, Payment](apply),
		RouterFactory:    eventmediator.RoutingTable{"accounts.updated": {ClientID: eventmediator.BusClientID}}.Factory(),
		StateSerializer:  eventmediator.JSONSerializer[Account](),
		EventSerializer:  eventmediator.JSONSerializer[Payment](),
	})
	if err != nil {
		return err
	}

	return svc.Start(ctx)
*/
package runtime
