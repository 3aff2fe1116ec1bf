// Package processor drives the per-topic poll, process, persist, send and
// commit cycle of the mediator.
//
// EventProcessor runs the user state transition function for one group of
// keys. ConsumerProcessor owns a consumer, fans groups out to the task pool,
// persists the resulting state changes and only then sends their outputs.
package processor

import (
	"context"
	"strconv"

	"github.com/drblury/eventmediator/internal/runtime/event"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

// State is the user view of a persisted key. Metadata is carried through the
// transition function and written back with the next state.
type State[S any] struct {
	Value    S
	Metadata metadatapkg.Metadata
}

// Response is returned by the transition function. A nil UpdatedState
// deletes the key.
type Response[S, E any] struct {
	UpdatedState   *State[S]
	ResponseEvents []event.Record[E]
}

// StateAndEventProcessor is the user supplied state transition function.
//
// Returned errors tagged errspkg.Intermittent mark the key as failed and keep
// the rest of the group going. Any other error stops topic processing.
type StateAndEventProcessor[S, E any] interface {
	OnNext(ctx context.Context, state *State[S], ev event.Record[E]) (Response[S, E], error)
}

// ProcessorFunc adapts a function to StateAndEventProcessor.
type ProcessorFunc[S, E any] func(ctx context.Context, state *State[S], ev event.Record[E]) (Response[S, E], error)

func (f ProcessorFunc[S, E]) OnNext(ctx context.Context, state *State[S], ev event.Record[E]) (Response[S, E], error) {
	return f(ctx, state, ev)
}

// Op is the store operation a processed key requires.
type Op int

const (
	OpNoop Op = iota
	OpCreate
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// StateChange pairs an operation with the state to write. For OpDelete the
// state is the one read before processing; for OpNoop it is nil.
type StateChange struct {
	Op    Op
	State *statepkg.State
}

// Output is the result of processing one key.
type Output struct {
	// AsyncOutputs are sent only after Change has been persisted. Outputs
	// recovered from the replay log come first.
	AsyncOutputs []*event.Message
	Change       StateChange
	// Replayed counts the inputs answered from the replay log.
	Replayed int
}

// Failed reports whether the output carries the processing failure marker.
func (o Output) Failed() bool {
	return o.Change.State != nil && o.Change.Op != OpDelete && o.Change.State.Failed()
}

// FailureChange builds the marker written for a key whose processing failed.
// The previous value and version are kept so the marker replaces exactly the
// state that was read.
func FailureChange(key string, old *statepkg.State) StateChange {
	var md metadatapkg.Metadata
	if old != nil {
		md = old.Metadata
	}
	count := md.Int(statepkg.MetaProcessingFailureCount) + 1
	marker := statepkg.State{
		Key: key,
		Metadata: md.WithAll(metadatapkg.New(
			statepkg.MetaProcessingFailure, "true",
			statepkg.MetaProcessingFailureCount, strconv.Itoa(count),
		)),
	}
	if old == nil {
		return StateChange{Op: OpCreate, State: &marker}
	}
	marker.Value = append([]byte(nil), old.Value...)
	marker.Version = old.Version
	return StateChange{Op: OpUpdate, State: &marker}
}

func lookup(states map[string]statepkg.State, key string) *statepkg.State {
	st, ok := states[key]
	if !ok {
		return nil
	}
	return &st
}
