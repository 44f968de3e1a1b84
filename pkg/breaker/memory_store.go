package breaker

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(_ context.Context, targetID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *MemoryStore) Create(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[state.TargetID]; exists {
		return fmt.Errorf("breaker: target %s already exists", state.TargetID)
	}
	s.states[state.TargetID] = state
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[next.TargetID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConditionFailed
	}
	next.Version = expectedVersion + 1
	s.states[next.TargetID] = next
	return nil
}
