// Package event holds the values that flow through the mediator: input
// records polled from the bus and outbound messages handed to clients.
package event

import (
	"time"

	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

// HeaderEventID carries a producer-assigned identifier that survives
// redelivery and consumer group rebalances.
const HeaderEventID = "event_id"

// Record is a keyed input event. Records are never mutated once built.
type Record[E any] struct {
	Key       string
	Value     E
	Topic     string
	Timestamp time.Time
	Headers   metadatapkg.Metadata
	// ID identifies the record for replay detection. Replies to synchronous
	// calls have no ID; they are never looked up in the replay log.
	ID string
}

// WithValue returns a copy of r carrying value.
func WithValue[E, F any](r Record[E], value F) Record[F] {
	return Record[F]{
		Key:       r.Key,
		Value:     value,
		Topic:     r.Topic,
		Timestamp: r.Timestamp,
		Headers:   r.Headers,
		ID:        r.ID,
	}
}
