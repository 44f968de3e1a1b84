package scope

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use. The
// conditional operations hold the store mutex across check and write, which
// is the in-memory equivalent of the SQL stores' conditional UPDATE.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string]*Scope
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*Scope)}
}

func (s *MemoryStore) Create(_ context.Context, sc Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scopes[sc.ScopeID]; exists {
		return fmt.Errorf("scope: duplicate scope %s", sc.ScopeID)
	}
	copied := sc
	s.scopes[sc.ScopeID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, scopeID string) (*Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sc
	return &copied, nil
}

func (s *MemoryStore) ConsumeAttempt(_ context.Context, scopeID string) (*Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	if !ok {
		return nil, ErrNotFound
	}
	if sc.Status != StatusActive || sc.AttemptsUsed >= sc.MaxAttempts {
		return nil, ErrConditionFailed
	}
	sc.AttemptsUsed++
	copied := *sc
	return &copied, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, scopeID string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	if !ok {
		return ErrNotFound
	}
	if sc.Status != from {
		return ErrConditionFailed
	}
	sc.Status = to
	return nil
}
