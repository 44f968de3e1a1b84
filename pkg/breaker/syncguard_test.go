package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
)

type slowStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, targetID string) (*State, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.Get(ctx, targetID)
}

func TestGuard_LiveRead(t *testing.T) {
	chain := auditchain.New(auditchain.NewMemoryStore())
	b := New("acme", DefaultConfig(), NewMemoryStore(), chain, nil, nil)
	g := NewGuard(b, 2, 500*time.Millisecond, nil)
	defer g.Close()

	snap := g.Check("tool:deploy")
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, snap.Stale)
	assert.False(t, snap.Blocked())
}

func TestGuard_TimeoutWithoutCacheFailsClosed(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), delay: time.Second}
	chain := auditchain.New(auditchain.NewMemoryStore())
	b := New("acme", DefaultConfig(), store, chain, nil, nil)
	g := NewGuard(b, 1, 30*time.Millisecond, nil)
	defer g.Close()

	snap := g.Check("tool:never-seen")
	assert.True(t, snap.Stale)
	assert.Equal(t, StateOpen, snap.State, "unknown state is OPEN, never CLOSED")
	assert.True(t, snap.Blocked())
}

func TestGuard_TimeoutServesStaleCache(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), delay: 0}
	chain := auditchain.New(auditchain.NewMemoryStore())
	b := New("acme", DefaultConfig(), store, chain, nil, nil)
	g := NewGuard(b, 1, 200*time.Millisecond, nil)
	defer g.Close()

	// Prime the cache with a fast read.
	first := g.Check("tool:deploy")
	require.False(t, first.Stale)
	require.Equal(t, StateClosed, first.State)

	// Slow the store down past the guard timeout.
	store.delay = time.Second

	snap := g.Check("tool:deploy")
	assert.True(t, snap.Stale, "late read must be marked stale")
	assert.Equal(t, StateClosed, snap.State, "stale value comes from cache")
}

func TestGuard_ClosedGuardFailsClosed(t *testing.T) {
	chain := auditchain.New(auditchain.NewMemoryStore())
	b := New("acme", DefaultConfig(), NewMemoryStore(), chain, nil, nil)
	g := NewGuard(b, 1, 100*time.Millisecond, nil)
	g.Close()

	snap := g.Check("tool:deploy")
	assert.True(t, snap.Stale)
	assert.True(t, snap.Blocked())
}

func TestSnapshot_Blocked(t *testing.T) {
	assert.False(t, Snapshot{State: StateClosed}.Blocked())
	assert.True(t, Snapshot{State: StateOpen}.Blocked())
	assert.True(t, Snapshot{State: CircuitState("")}.Blocked(), "zero value blocks")
}
