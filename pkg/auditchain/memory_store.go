package auditchain

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Events are copied on the way in and out so callers cannot mutate what
// the store holds.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event // tenantID -> append-ordered events
	seen   map[string]bool    // event IDs, for duplicate rejection
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]Event),
		seen:   make(map[string]bool),
	}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[event.EventID] {
		return fmt.Errorf("auditchain: duplicate event %s", event.EventID)
	}
	s.seen[event.EventID] = true
	s.events[event.TenantID] = append(s.events[event.TenantID], event)
	return nil
}

func (s *MemoryStore) LastForTenant(_ context.Context, tenantID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[tenantID]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	e := events[len(events)-1]
	return &e, nil
}

func (s *MemoryStore) ListForTenant(_ context.Context, tenantID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[tenantID]))
	copy(out, s.events[tenantID])
	return out, nil
}

// Tamper overwrites a stored event in place. It exists only so tests can
// simulate out-of-band storage corruption; the Store interface itself
// offers no mutation path.
func (s *MemoryStore) Tamper(tenantID string, index int, mutate func(*Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[tenantID]
	if index < 0 || index >= len(events) {
		return fmt.Errorf("auditchain: tamper index %d out of range", index)
	}
	mutate(&events[index])
	return nil
}
