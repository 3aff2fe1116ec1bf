package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/internal/runtime/codec"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	"github.com/drblury/eventmediator/internal/runtime/groups"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

func TestNewEventProcessorValidates(t *testing.T) {
	h := newHarness(t)
	_, err := NewEventProcessor(EventProcessorConfig[counter, command]{Router: h.router, StateSerializer: counterSerde, EventSerializer: commandSerde})
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)

	_, err = NewEventProcessor(EventProcessorConfig[counter, command]{Processor: counterProcessor(&h.calls), StateSerializer: counterSerde, EventSerializer: commandSerde})
	assert.ErrorIs(t, err, errspkg.ErrRouterFactoryRequired)

	_, err = NewEventProcessor(EventProcessorConfig[counter, command]{Processor: counterProcessor(&h.calls), Router: h.router, StateSerializer: counterSerde})
	assert.ErrorIs(t, err, errspkg.ErrSerializerRequired)
}

func TestProcessEventsCreatesStateForNewKey(t *testing.T) {
	h := newHarness(t)
	group := groups.Group[command]{"k1": {
		input("k1", "e1", command{Op: "add", N: 2}),
		input("k1", "e2", command{Op: "add", N: 3}),
	}}

	out, err := h.events.ProcessEvents(context.Background(), group, nil)
	require.NoError(t, err)

	o := out["k1"]
	require.Equal(t, OpCreate, o.Change.Op)
	assert.Equal(t, 0, o.Change.State.Version)
	assert.Equal(t, 5, decodeCounter(t, o.Change.State).Count)

	require.Len(t, o.AsyncOutputs, 2)
	assert.Equal(t, "k1", o.AsyncOutputs[0].Key())
	assert.Equal(t, "out", o.AsyncOutputs[0].Topic())
	assert.Equal(t, "add", o.AsyncOutputs[0].StringProperty("source"))

	ms, err := codec.Decode(o.Change.State.Value)
	require.NoError(t, err)
	require.Len(t, ms.OutputEvents, 2)
	assert.Equal(t, "e1", ms.OutputEvents[0].InputEventID)
	assert.Equal(t, "e2", ms.OutputEvents[1].InputEventID)
	assert.Len(t, ms.OutputEvents[1].Outputs, 1)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestProcessEventsReplaysKnownInputs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.events.ProcessEvents(ctx, groups.Group[command]{"k1": {input("k1", "e1", command{Op: "add", N: 1})}}, nil)
	require.NoError(t, err)
	stored := *first["k1"].Change.State
	states := map[string]statepkg.State{"k1": stored}

	t.Run("all inputs replayed", func(t *testing.T) {
		out, err := h.events.ProcessEvents(ctx, groups.Group[command]{"k1": {input("k1", "e1", command{Op: "add", N: 1})}}, states)
		require.NoError(t, err)
		o := out["k1"]
		assert.Equal(t, OpNoop, o.Change.Op)
		assert.Nil(t, o.Change.State)
		assert.Equal(t, 1, o.Replayed)
		require.Len(t, o.AsyncOutputs, 1)
		assert.Equal(t, first["k1"].AsyncOutputs[0].Payload, o.AsyncOutputs[0].Payload)
		assert.EqualValues(t, 1, h.calls.Load())
	})

	t.Run("mixed replay and fresh", func(t *testing.T) {
		out, err := h.events.ProcessEvents(ctx, groups.Group[command]{"k1": {
			input("k1", "e1", command{Op: "add", N: 1}),
			input("k1", "e2", command{Op: "add", N: 4}),
		}}, states)
		require.NoError(t, err)
		o := out["k1"]
		require.Equal(t, OpUpdate, o.Change.Op)
		assert.Equal(t, stored.Version, o.Change.State.Version)
		assert.Equal(t, 5, decodeCounter(t, o.Change.State).Count)
		assert.Equal(t, 1, o.Replayed)
		assert.Len(t, o.AsyncOutputs, 2)
		assert.EqualValues(t, 2, h.calls.Load())
	})
}

func TestProcessEventsDeduplicatesWithinBatch(t *testing.T) {
	h := newHarness(t)
	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {
		input("k1", "e1", command{Op: "add", N: 1}),
		input("k1", "e1", command{Op: "add", N: 1}),
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, decodeCounter(t, out["k1"].Change.State).Count)
	assert.EqualValues(t, 1, h.calls.Load())

	t.Run("identical inputs without event id", func(t *testing.T) {
		h := newHarness(t)
		rec := event.Record[command]{Key: "k1", Topic: "commands", Value: command{Op: "add", N: 1}, ID: "digest-1"}
		out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {rec, rec}}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, decodeCounter(t, out["k1"].Change.State).Count)
		assert.EqualValues(t, 2, h.calls.Load())
	})
}

func TestProcessEventsDeleteAndNoop(t *testing.T) {
	h := newHarness(t)
	existing := stateFor(t, "k1", counter{Count: 3}, 4)

	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{
		"k1": {input("k1", "d1", command{Op: "delete"})},
		"k2": {input("k2", "d2", command{Op: "delete"})},
	}, map[string]statepkg.State{"k1": existing})
	require.NoError(t, err)

	require.Equal(t, OpDelete, out["k1"].Change.Op)
	assert.Equal(t, existing.Version, out["k1"].Change.State.Version)
	assert.Equal(t, existing.Value, out["k1"].Change.State.Value)

	assert.Equal(t, OpNoop, out["k2"].Change.Op)
	assert.Nil(t, out["k2"].Change.State)
}

func TestProcessEventsResolvesSynchronousRepliesFirst(t *testing.T) {
	h := newHarness(t)
	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {
		input("k1", "e1", command{Op: "ask", N: 1}),
		input("k1", "e2", command{Op: "add", N: 2}),
	}}, nil)
	require.NoError(t, err)

	c := decodeCounter(t, out["k1"].Change.State)
	assert.Equal(t, 13, c.Count)
	assert.Equal(t, []string{"ask", "answer", "add"}, c.Seen)
	assert.EqualValues(t, 1, h.rpcCalls.Load())

	// the answer is credited to the input that triggered the call
	ms, err := codec.Decode(out["k1"].Change.State.Value)
	require.NoError(t, err)
	require.Len(t, ms.OutputEvents, 2)
	assert.Len(t, ms.OutputEvents[0].Outputs, 1)
	assert.Len(t, out["k1"].AsyncOutputs, 2)

	t.Run("reply carries processing key", func(t *testing.T) {
		var keys []string
		base := counterProcessor(&h.calls)
		keyed := h.newEvents(t, ProcessorFunc[counter, command](func(ctx context.Context, st *State[counter], ev event.Record[command]) (Response[counter, command], error) {
			keys = append(keys, ev.Key)
			resp, err := base(ctx, st, ev)
			for i := range resp.ResponseEvents {
				if resp.ResponseEvents[i].Topic == "rpc" {
					resp.ResponseEvents[i].Key = "request-42"
				}
			}
			return resp, err
		}))

		out, err := keyed.ProcessEvents(context.Background(), groups.Group[command]{"k1": {
			input("k1", "e9", command{Op: "ask", N: 2}),
		}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k1"}, keys)
		assert.Equal(t, 22, decodeCounter(t, out["k1"].Change.State).Count)
		require.Len(t, out["k1"].AsyncOutputs, 1)
		assert.Equal(t, "k1", out["k1"].AsyncOutputs[0].Key())
	})
}

func TestProcessEventsCancelledDuringSendReturnsError(t *testing.T) {
	h := newHarness(t)
	h.rpcGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for h.rpcCalls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	out, err := h.events.ProcessEvents(ctx, groups.Group[command]{"k1": {input("k1", "e1", command{Op: "ask", N: 1})}}, nil)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errspkg.IsIntermittent(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessEventsIntermittentSendMarksKeyFailed(t *testing.T) {
	h := newHarness(t)
	h.rpcErr = errspkg.Intermittentf("rpc unavailable")

	old := stateFor(t, "k1", counter{Count: 1}, 2)
	old.Metadata = old.Metadata.With(statepkg.MetaProcessingFailureCount, "1")

	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{
		"k1": {input("k1", "e1", command{Op: "add", N: 1}), input("k1", "e2", command{Op: "ask", N: 1})},
		"k2": {input("k2", "e3", command{Op: "add", N: 7})},
	}, map[string]statepkg.State{"k1": old})
	require.NoError(t, err)

	failed := out["k1"]
	require.Equal(t, OpUpdate, failed.Change.Op)
	assert.True(t, failed.Failed())
	assert.Equal(t, "2", failed.Change.State.Metadata[statepkg.MetaProcessingFailureCount])
	assert.Equal(t, old.Value, failed.Change.State.Value)
	assert.Equal(t, old.Version, failed.Change.State.Version)
	assert.Empty(t, failed.AsyncOutputs)

	assert.Equal(t, OpCreate, out["k2"].Change.Op)
	assert.False(t, out["k2"].Failed())
	assert.Equal(t, 7, decodeCounter(t, out["k2"].Change.State).Count)
}

func TestProcessEventsIntermittentProcessorError(t *testing.T) {
	h := newHarness(t)
	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {input("k1", "e1", command{Op: "fail"})}}, nil)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, out["k1"].Change.Op)
	assert.True(t, out["k1"].Failed())
	assert.Equal(t, "1", out["k1"].Change.State.Metadata[statepkg.MetaProcessingFailureCount])
}

func TestProcessEventsSuccessClearsFailureMarker(t *testing.T) {
	h := newHarness(t)
	marker := *FailureChange("k1", nil).State

	out, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {input("k1", "e1", command{Op: "add", N: 1})}},
		map[string]statepkg.State{"k1": marker})
	require.NoError(t, err)

	o := out["k1"]
	require.Equal(t, OpUpdate, o.Change.Op)
	assert.False(t, o.Failed())
	assert.NotContains(t, o.Change.State.Metadata, statepkg.MetaProcessingFailureCount)
	assert.Equal(t, 1, decodeCounter(t, o.Change.State).Count)
}

func TestProcessEventsFatalErrors(t *testing.T) {
	h := newHarness(t)

	t.Run("processor error", func(t *testing.T) {
		_, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {input("k1", "e1", command{Op: "boom"})}}, nil)
		require.Error(t, err)
		assert.True(t, errspkg.IsFatal(err))
		assert.True(t, errors.Is(err, errBoom))
	})

	t.Run("unroutable event", func(t *testing.T) {
		_, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {input("k1", "e1", command{Op: "stray"})}}, nil)
		require.Error(t, err)
		assert.True(t, errspkg.IsFatal(err))
		assert.ErrorIs(t, err, errspkg.ErrNoRoute)
	})

	t.Run("corrupt state", func(t *testing.T) {
		corrupt := statepkg.State{Key: "k1", Value: []byte("not json")}
		_, err := h.events.ProcessEvents(context.Background(), groups.Group[command]{"k1": {input("k1", "e1", command{Op: "add"})}},
			map[string]statepkg.State{"k1": corrupt})
		require.Error(t, err)
		assert.True(t, errspkg.IsFatal(err))
	})
}

func TestFailureChange(t *testing.T) {
	created := FailureChange("k1", nil)
	require.Equal(t, OpCreate, created.Op)
	assert.True(t, created.State.Failed())
	assert.Equal(t, "1", created.State.Metadata[statepkg.MetaProcessingFailureCount])
	assert.Empty(t, created.State.Value)

	old := &statepkg.State{Key: "k1", Value: []byte("v"), Version: 3, Metadata: created.State.Metadata.With("owner", "a")}
	updated := FailureChange("k1", old)
	require.Equal(t, OpUpdate, updated.Op)
	assert.Equal(t, 3, updated.State.Version)
	assert.Equal(t, "2", updated.State.Metadata[statepkg.MetaProcessingFailureCount])
	assert.Equal(t, "a", updated.State.Metadata["owner"])
	assert.Equal(t, []byte("v"), updated.State.Value)
	assert.Equal(t, "1", old.Metadata[statepkg.MetaProcessingFailureCount], "old metadata must not change")
}

func TestToMessageCopiesHeaders(t *testing.T) {
	h := newHarness(t)
	msg, err := h.events.toMessage("k1", event.Record[command]{Topic: "out", Value: command{Op: "x"}, Headers: map[string]string{"h": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "k1", msg.Key())
	assert.Equal(t, "v", msg.StringProperty("h"))

	msg, err = h.events.toMessage("k1", event.Record[command]{Key: "other", Topic: "out"})
	require.NoError(t, err)
	assert.Equal(t, "other", msg.Key())
}
