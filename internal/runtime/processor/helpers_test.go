package processor

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/internal/runtime/client"
	"github.com/drblury/eventmediator/internal/runtime/codec"
	"github.com/drblury/eventmediator/internal/runtime/consumer"
	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	"github.com/drblury/eventmediator/internal/runtime/router"
	"github.com/drblury/eventmediator/internal/runtime/serde"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
	"github.com/drblury/eventmediator/internal/runtime/state/memory"
)

type counter struct {
	Count int      `json:"count"`
	Seen  []string `json:"seen,omitempty"`
}

type command struct {
	Op string `json:"op"`
	N  int    `json:"n"`
}

var (
	counterSerde = serde.NewJSON[counter]()
	commandSerde = serde.NewJSON[command]()
)

// counterProcessor adds N to the count and reports the new total on "out".
// "ask" calls the rpc endpoint whose "answer" is added as well.
func counterProcessor(calls *atomic.Int32) ProcessorFunc[counter, command] {
	return func(_ context.Context, st *State[counter], ev event.Record[command]) (Response[counter, command], error) {
		calls.Add(1)
		next := &State[counter]{Metadata: metadatapkg.Metadata{}}
		if st != nil {
			next.Value = counter{Count: st.Value.Count, Seen: slices.Clone(st.Value.Seen)}
			next.Metadata = st.Metadata
		}
		next.Value.Seen = append(next.Value.Seen, ev.Value.Op)

		switch ev.Value.Op {
		case "delete":
			return Response[counter, command]{}, nil
		case "fail":
			return Response[counter, command]{}, errspkg.Intermittentf("flaky dependency")
		case "boom":
			return Response[counter, command]{}, errBoom
		case "stray":
			return Response[counter, command]{
				UpdatedState:   next,
				ResponseEvents: []event.Record[command]{{Topic: "nowhere", Value: ev.Value}},
			}, nil
		case "ask":
			next.Value.Count += ev.Value.N
			return Response[counter, command]{
				UpdatedState:   next,
				ResponseEvents: []event.Record[command]{{Topic: "rpc", Value: command{Op: "question", N: ev.Value.N}}},
			}, nil
		default:
			next.Value.Count += ev.Value.N
			return Response[counter, command]{
				UpdatedState: next,
				ResponseEvents: []event.Record[command]{{
					Topic:   "out",
					Value:   command{Op: "total", N: next.Value.Count},
					Headers: metadatapkg.New("source", ev.Value.Op),
				}},
			}, nil
		}
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom error = boomError{}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

type harness struct {
	calls    atomic.Int32
	rpcCalls atomic.Int32
	rpcErr   error
	rpcGate  chan struct{}
	log      *eventLog
	sent     *eventLog
	bus      *client.FuncClient
	rpc      *client.FuncClient
	mu       sync.Mutex
	messages []*event.Message
	router   router.Router
	events   *EventProcessor[counter, command]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{log: &eventLog{}, sent: &eventLog{}}
	h.bus = client.NewFuncClient("bus", func(_ context.Context, msg *event.Message) (*event.Message, error) {
		h.mu.Lock()
		h.messages = append(h.messages, msg)
		h.mu.Unlock()
		h.log.add("send:" + msg.Key())
		h.sent.add(msg.Key())
		return nil, nil
	})
	h.rpc = client.NewFuncClient("rpc", func(ctx context.Context, msg *event.Message) (*event.Message, error) {
		h.rpcCalls.Add(1)
		if h.rpcGate != nil {
			select {
			case <-h.rpcGate:
			case <-ctx.Done():
				return nil, errspkg.Intermittent(ctx.Err())
			}
		}
		if h.rpcErr != nil {
			return nil, h.rpcErr
		}
		q, err := commandSerde.Deserialize(msg.Payload)
		if err != nil {
			return nil, err
		}
		payload, err := commandSerde.Serialize(command{Op: "answer", N: q.N * 10})
		if err != nil {
			return nil, err
		}
		return event.NewMessage(payload, map[string]any{"endpoint_seen": msg.Endpoint()}), nil
	})
	h.router = router.RouterFunc(func(msg *event.Message) (router.Destination, error) {
		switch msg.Topic() {
		case "out":
			return router.Destination{Client: h.bus, Endpoint: "out", Type: router.Asynchronous}, nil
		case "rpc":
			return router.Destination{Client: h.rpc, Endpoint: "http://rpc.local/answer", Type: router.Synchronous}, nil
		}
		return router.Destination{}, errspkg.ErrNoRoute
	})
	h.events = h.newEvents(t, counterProcessor(&h.calls))
	return h
}

func (h *harness) newEvents(t *testing.T, proc StateAndEventProcessor[counter, command]) *EventProcessor[counter, command] {
	t.Helper()
	events, err := NewEventProcessor(EventProcessorConfig[counter, command]{
		Processor:       proc,
		Router:          h.router,
		StateSerializer: counterSerde,
		EventSerializer: commandSerde,
	})
	require.NoError(t, err)
	return events
}

func (h *harness) published() []*event.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

func input(key, id string, cmd command) event.Record[command] {
	return event.Record[command]{Key: key, Topic: "commands", Value: cmd, ID: id, Headers: metadatapkg.New(event.HeaderEventID, id)}
}

func decodeCounter(t *testing.T, st *statepkg.State) counter {
	t.Helper()
	require.NotNil(t, st)
	ms, err := codec.Decode(st.Value)
	require.NoError(t, err)
	c, err := counterSerde.Deserialize(ms.UserState)
	require.NoError(t, err)
	return c
}

func stateFor(t *testing.T, key string, c counter, version int) statepkg.State {
	t.Helper()
	user, err := counterSerde.Serialize(c)
	require.NoError(t, err)
	value, err := codec.Encode(&codec.MediatorState{UserState: user})
	require.NoError(t, err)
	return statepkg.State{Key: key, Value: value, Version: version, Metadata: metadatapkg.Metadata{}}
}

// fakeConsumer replays uncommitted batches after a reset, like a bus does
// after a rewind to the committed offset.
type fakeConsumer struct {
	mu         sync.Mutex
	batches    [][]consumer.Record
	next       int
	committed  int
	pollErrs   []error
	commitErrs []error
	commits    atomic.Int32
	resets     int
	closed     bool
	log        *eventLog
}

func (f *fakeConsumer) Subscribe(context.Context) error { return nil }

func (f *fakeConsumer) Poll(ctx context.Context, _ time.Duration) ([]consumer.Record, error) {
	f.mu.Lock()
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if f.next >= len(f.batches) {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return nil, nil
	}
	batch := f.batches[f.next]
	f.next++
	f.mu.Unlock()
	return batch, nil
}

func (f *fakeConsumer) ResetToLastCommitted(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = f.committed
	f.resets++
	return nil
}

func (f *fakeConsumer) SyncCommit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		return err
	}
	f.committed = f.next
	f.commits.Add(1)
	if f.log != nil {
		f.log.add("commit")
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsumer) factory() consumer.Factory {
	return consumer.FactoryFunc{
		TopicName: "commands",
		New: func(context.Context, string) (consumer.Consumer, error) {
			return f, nil
		},
	}
}

func (f *fakeConsumer) committedAtLeast(n int32) func() bool {
	return func() bool { return f.commits.Load() >= n }
}

func raw(t *testing.T, key, id string, cmd command) consumer.Record {
	t.Helper()
	value, err := commandSerde.Serialize(cmd)
	require.NoError(t, err)
	return consumer.Record{Topic: "commands", Key: key, Value: value, Headers: metadatapkg.New(event.HeaderEventID, id)}
}

// loggingStore records every write in the shared event log.
type loggingStore struct {
	*memory.Store
	log *eventLog
}

func (s loggingStore) Create(ctx context.Context, states []statepkg.State) ([]string, error) {
	s.log.add("persist")
	return s.Store.Create(ctx, states)
}

func (s loggingStore) Update(ctx context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	s.log.add("persist")
	return s.Store.Update(ctx, states)
}

func (s loggingStore) Delete(ctx context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	s.log.add("persist")
	return s.Store.Delete(ctx, states)
}

type countingMetrics struct {
	NopMetrics
	mu        sync.Mutex
	phases    map[Phase]int
	replayed  atomic.Int32
	failed    atomic.Int32
	conflicts atomic.Int32
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{phases: make(map[Phase]int)}
}

func (m *countingMetrics) ObservePhase(_ string, phase Phase, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[phase]++
}

func (m *countingMetrics) phaseCount(phase Phase) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[phase]
}

func (m *countingMetrics) AddReplayed(_ string, n int)  { m.replayed.Add(int32(n)) }
func (m *countingMetrics) AddFailed(_ string, n int)    { m.failed.Add(int32(n)) }
func (m *countingMetrics) AddConflicts(_ string, n int) { m.conflicts.Add(int32(n)) }

func fastConfig() Config {
	return Config{
		Name:                 "test",
		PollTimeout:          time.Millisecond,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
