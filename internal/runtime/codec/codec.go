// Package codec encodes the blob the mediator stores in State.Value: the
// serialized user state plus the replay log of already produced outputs.
package codec

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
	"github.com/drblury/eventmediator/internal/runtime/event"
	jsoncodec "github.com/drblury/eventmediator/internal/runtime/jsoncodec"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

// MediatorState is the decoded content of a persisted state.
type MediatorState struct {
	// UserState is nil when the user processor holds no state for the key.
	UserState    []byte        `json:"user_state,omitempty"`
	OutputEvents []OutputEvent `json:"output_events"`
}

// OutputEvent records the asynchronous outputs produced for one input.
type OutputEvent struct {
	InputEventID string           `json:"input_event_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Outputs      []*event.Message `json:"outputs,omitempty"`
}

// New returns an empty mediator state.
func New() *MediatorState {
	return &MediatorState{OutputEvents: []OutputEvent{}}
}

// Encode serializes ms. Equal values encode to equal bytes.
func Encode(ms *MediatorState) ([]byte, error) {
	if ms == nil {
		ms = New()
	}
	data, err := jsoncodec.Marshal(ms)
	if err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("encode mediator state: %w", err))
	}
	return data, nil
}

// Decode parses a stored blob. An empty blob yields a fresh state.
func Decode(data []byte) (*MediatorState, error) {
	if len(data) == 0 {
		return New(), nil
	}
	ms := &MediatorState{}
	if err := jsoncodec.Unmarshal(data, ms); err != nil {
		return nil, errspkg.Fatal(fmt.Errorf("decode mediator state: %w", err))
	}
	if ms.OutputEvents == nil {
		ms.OutputEvents = []OutputEvent{}
	}
	return ms, nil
}

// FromState decodes the mediator state held by st, or returns a fresh one
// when st is nil.
func FromState(st *statepkg.State) (*MediatorState, error) {
	if st == nil {
		return New(), nil
	}
	ms, err := Decode(st.Value)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", st.Key, err)
	}
	return ms, nil
}
