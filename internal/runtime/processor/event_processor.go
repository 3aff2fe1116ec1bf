package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/eventmediator/internal/runtime/codec"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	"github.com/drblury/eventmediator/internal/runtime/groups"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	"github.com/drblury/eventmediator/internal/runtime/replay"
	"github.com/drblury/eventmediator/internal/runtime/router"
	"github.com/drblury/eventmediator/internal/runtime/serde"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

// EventProcessorConfig lists the collaborators of an EventProcessor.
type EventProcessorConfig[S, E any] struct {
	Processor       StateAndEventProcessor[S, E]
	Router          router.Router
	StateSerializer serde.Serializer[S]
	EventSerializer serde.Serializer[E]
	Replay          *replay.Service
	Logger          loggingpkg.ServiceLogger
}

// EventProcessor applies the transition function to every key of a group.
// It never touches the store; persistence is left to the caller.
type EventProcessor[S, E any] struct {
	processor  StateAndEventProcessor[S, E]
	router     router.Router
	stateSerde serde.Serializer[S]
	eventSerde serde.Serializer[E]
	replay     *replay.Service
	logger     loggingpkg.ServiceLogger
	now        func() time.Time
}

// NewEventProcessor validates cfg and returns a processor for it. A nil
// Replay service gets the default bounds.
func NewEventProcessor[S, E any](cfg EventProcessorConfig[S, E]) (*EventProcessor[S, E], error) {
	switch {
	case cfg.Processor == nil:
		return nil, errspkg.ErrProcessorRequired
	case cfg.Router == nil:
		return nil, errspkg.ErrRouterFactoryRequired
	case cfg.StateSerializer == nil, cfg.EventSerializer == nil:
		return nil, errspkg.ErrSerializerRequired
	}
	replaySvc := cfg.Replay
	if replaySvc == nil {
		replaySvc = replay.New(replay.Config{})
	}
	return &EventProcessor[S, E]{
		processor:  cfg.Processor,
		router:     cfg.Router,
		stateSerde: cfg.StateSerializer,
		eventSerde: cfg.EventSerializer,
		replay:     replaySvc,
		logger:     loggingpkg.OrNop(cfg.Logger),
		now:        time.Now,
	}, nil
}

// ProcessEvents processes every key of group against the states read for
// it. Keys missing from states are new. Fatal errors and cancellation of ctx
// are returned; other intermittent failures turn into the failure marker for
// the affected key.
func (p *EventProcessor[S, E]) ProcessEvents(ctx context.Context, group groups.Group[E], states map[string]statepkg.State) (map[string]Output, error) {
	outputs := make(map[string]Output, len(group))
	for _, key := range group.Keys() {
		out, err := p.processKey(ctx, key, group[key], lookup(states, key))
		if err != nil {
			return nil, err
		}
		outputs[key] = out
	}
	return outputs, nil
}

func (p *EventProcessor[S, E]) processKey(ctx context.Context, key string, records []event.Record[E], old *statepkg.State) (Output, error) {
	ms, err := codec.FromState(old)
	if err != nil {
		return Output{}, err
	}
	current, err := p.userState(key, old, ms)
	if err != nil {
		return Output{}, err
	}

	var (
		replayed []*event.Message
		fresh    []event.Record[E]
		seen     = make(map[string]struct{}, len(records))
	)
	for _, rec := range records {
		if outs, ok := p.replay.ReplayEvents(rec.ID, ms); ok {
			replayed = append(replayed, outs...)
			continue
		}
		// Only ids carried by the bus identify redeliveries. Digest ids of
		// identical payloads stand for distinct inputs.
		if id := rec.Headers[event.HeaderEventID]; id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		fresh = append(fresh, rec)
	}
	replayCount := len(records) - len(fresh)
	if len(fresh) == 0 {
		return Output{AsyncOutputs: replayed, Change: StateChange{Op: OpNoop}, Replayed: replayCount}, nil
	}

	log := p.logger.With(loggingpkg.LogFields{loggingpkg.FieldKey: key})
	produced := make([]replay.Produced, 0, len(fresh))
	async := replayed
	for _, input := range fresh {
		if err := ctx.Err(); err != nil {
			return Output{}, errspkg.Intermittent(err)
		}
		outs, next, err := p.processInput(ctx, key, current, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancelled mid-key: leave the input uncommitted instead of marking it.
				return Output{}, errspkg.Intermittent(fmt.Errorf("process key %q: %w", key, ctxErr))
			}
			if errspkg.IsIntermittent(err) {
				log.Error("Processing failed, marking key as failed", err, nil)
				return Output{AsyncOutputs: replayed, Change: FailureChange(key, old), Replayed: replayCount}, nil
			}
			return Output{}, fmt.Errorf("process key %q: %w", key, err)
		}
		current = next
		produced = append(produced, replay.Produced{InputEventID: input.ID, Outputs: outs})
		async = append(async, outs...)
	}

	ms.OutputEvents = p.replay.OutputEvents(ms.OutputEvents, produced)
	change, err := p.stateChange(key, old, current, ms)
	if err != nil {
		return Output{}, err
	}
	return Output{AsyncOutputs: async, Change: change, Replayed: replayCount}, nil
}

// processInput feeds one input and every synchronous reply it triggers
// through the transition function. Replies are handled before the next
// queued event and always carry the processing key.
func (p *EventProcessor[S, E]) processInput(ctx context.Context, key string, current *State[S], input event.Record[E]) ([]*event.Message, *State[S], error) {
	var outs []*event.Message
	queue := []event.Record[E]{input}
	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]

		resp, err := p.processor.OnNext(ctx, current, rec)
		if err != nil {
			return nil, nil, err
		}
		current = resp.UpdatedState

		var replies []event.Record[E]
		for _, ev := range resp.ResponseEvents {
			msg, err := p.toMessage(key, ev)
			if err != nil {
				return nil, nil, err
			}
			dest, err := router.Resolve(p.router, msg)
			if err != nil {
				return nil, nil, err
			}
			if dest.Type != router.Synchronous {
				outs = append(outs, msg)
				continue
			}
			reply, err := p.sendSync(ctx, key, dest, msg)
			if err != nil {
				return nil, nil, err
			}
			if reply != nil {
				replies = append(replies, *reply)
			}
		}
		queue = append(replies, queue...)
	}
	return outs, current, nil
}

func (p *EventProcessor[S, E]) sendSync(ctx context.Context, key string, dest router.Destination, msg *event.Message) (*event.Record[E], error) {
	req := msg.Clone()
	req.SetProperty(event.PropEndpoint, dest.Endpoint)
	p.logger.Trace("Sending synchronous message", loggingpkg.LogFields{
		loggingpkg.FieldKey:      req.Key(),
		loggingpkg.FieldEndpoint: dest.Endpoint,
	})
	reply, err := dest.Client.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send to %s via %s: %w", dest.Endpoint, dest.Client.ID(), err)
	}
	if reply == nil {
		return nil, nil
	}
	value, err := p.eventSerde.Deserialize(reply.Payload)
	if err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("decode reply from %s: %w", dest.Endpoint, err))
	}
	headers := make(metadatapkg.Metadata, len(reply.Properties))
	for k := range reply.Properties {
		headers[k] = reply.StringProperty(k)
	}
	return &event.Record[E]{
		Key:       key,
		Value:     value,
		Topic:     reply.Topic(),
		Timestamp: p.now().UTC(),
		Headers:   headers,
	}, nil
}

// toMessage serializes a response event. Events without a key inherit the
// key of the record being processed.
func (p *EventProcessor[S, E]) toMessage(key string, ev event.Record[E]) (*event.Message, error) {
	payload, err := p.eventSerde.Serialize(ev.Value)
	if err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("encode response event for key %q: %w", key, err))
	}
	props := make(map[string]any, len(ev.Headers)+2)
	for k, v := range ev.Headers {
		props[k] = v
	}
	if ev.Key != "" {
		key = ev.Key
	}
	props[event.PropKey] = key
	if ev.Topic != "" {
		props[event.PropTopic] = ev.Topic
	}
	return event.NewMessage(payload, props), nil
}

func (p *EventProcessor[S, E]) userState(key string, old *statepkg.State, ms *codec.MediatorState) (*State[S], error) {
	if old == nil || ms.UserState == nil {
		return nil, nil
	}
	value, err := p.stateSerde.Deserialize(ms.UserState)
	if err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("decode state for key %q: %w", key, err))
	}
	return &State[S]{Value: value, Metadata: old.Metadata.Clone()}, nil
}

func (p *EventProcessor[S, E]) stateChange(key string, old *statepkg.State, current *State[S], ms *codec.MediatorState) (StateChange, error) {
	if current == nil {
		if old == nil {
			return StateChange{Op: OpNoop}, nil
		}
		deleted := *old
		return StateChange{Op: OpDelete, State: &deleted}, nil
	}

	user, err := p.stateSerde.Serialize(current.Value)
	if err != nil {
		return StateChange{}, errspkg.Fatal(fmt.Errorf("encode state for key %q: %w", key, err))
	}
	ms.UserState = user
	value, err := codec.Encode(ms)
	if err != nil {
		return StateChange{}, fmt.Errorf("key %q: %w", key, err)
	}

	next := statepkg.State{
		Key:      key,
		Value:    value,
		Metadata: current.Metadata.Without(statepkg.MetaProcessingFailure, statepkg.MetaProcessingFailureCount),
	}
	if old == nil {
		return StateChange{Op: OpCreate, State: &next}, nil
	}
	next.Version = old.Version
	return StateChange{Op: OpUpdate, State: &next}, nil
}
