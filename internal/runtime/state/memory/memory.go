// Package memory provides an in-process state store, used by tests and the
// single-node examples.
package memory

import (
	"context"
	"sync"
	"time"

	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

// Store keeps states in a map guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	states map[string]statepkg.State
	now    func() time.Time
}

var _ statepkg.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{states: make(map[string]statepkg.State), now: time.Now}
}

func (s *Store) Get(_ context.Context, keys []string) (map[string]statepkg.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]statepkg.State, len(keys))
	for _, key := range keys {
		if st, ok := s.states[key]; ok {
			result[key] = clone(st)
		}
	}
	return result, nil
}

func (s *Store) Create(_ context.Context, states []statepkg.State) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []string
	for _, st := range states {
		if _, exists := s.states[st.Key]; exists {
			failed = append(failed, st.Key)
			continue
		}
		st = clone(st)
		st.Version = 0
		st.ModifiedTime = s.now()
		s.states[st.Key] = st
	}
	return failed, nil
}

func (s *Store) Update(_ context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := make(map[string]*statepkg.State)
	for _, st := range states {
		current, ok := s.states[st.Key]
		if !ok {
			failed[st.Key] = nil
			continue
		}
		if current.Version != st.Version {
			c := clone(current)
			failed[st.Key] = &c
			continue
		}
		st = clone(st)
		st.Version = current.Version + 1
		st.ModifiedTime = s.now()
		s.states[st.Key] = st
	}
	return failed, nil
}

func (s *Store) Delete(_ context.Context, states []statepkg.State) (map[string]*statepkg.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := make(map[string]*statepkg.State)
	for _, st := range states {
		current, ok := s.states[st.Key]
		if !ok {
			failed[st.Key] = nil
			continue
		}
		if current.Version != st.Version {
			c := clone(current)
			failed[st.Key] = &c
			continue
		}
		delete(s.states, st.Key)
	}
	return failed, nil
}

// Len returns the number of stored states.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func clone(st statepkg.State) statepkg.State {
	st.Value = append([]byte(nil), st.Value...)
	st.Metadata = st.Metadata.Clone()
	return st
}
