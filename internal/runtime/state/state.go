// Package state defines the persisted per-key state and the store contract the
// mediator uses to read and conditionally write it.
package state

import (
	"context"
	"time"

	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

// Metadata keys written by the mediator.
const (
	MetaProcessingFailure      = "processing_failure"
	MetaProcessingFailureCount = "processing_failure_count"
)

// State is one persisted entry. Version is assigned by the store: 0 on
// create, incremented by one on every successful update.
type State struct {
	Key          string
	Value        []byte
	Version      int
	Metadata     metadatapkg.Metadata
	ModifiedTime time.Time
}

// Failed reports whether the state carries the processing failure marker.
func (s State) Failed() bool {
	return s.Metadata[MetaProcessingFailure] == "true"
}

// Store is an optimistic key/value store over opaque state blobs.
//
// Create, Update and Delete never fail as a whole because of a conflicting
// key; conflicts are reported per key and the returned error is reserved for
// infrastructure failures.
type Store interface {
	// Get returns the states that exist for keys. Missing keys are absent
	// from the result.
	Get(ctx context.Context, keys []string) (map[string]State, error)
	// Create inserts new states and returns the keys that already existed.
	Create(ctx context.Context, states []State) ([]string, error)
	// Update replaces states whose stored version equals the supplied one.
	// Failed keys map to the state currently stored, or nil when the key no
	// longer exists.
	Update(ctx context.Context, states []State) (map[string]*State, error)
	// Delete removes states whose stored version equals the supplied one,
	// reporting failures the same way as Update.
	Delete(ctx context.Context, states []State) (map[string]*State, error)
}

// Keys returns the keys of states in order.
func Keys(states []State) []string {
	keys := make([]string, len(states))
	for i, s := range states {
		keys[i] = s.Key
	}
	return keys
}
