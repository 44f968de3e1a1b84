package auditchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aegis/pkg/canonicalize"
)

// ErrNotFound is returned by stores when a tenant has no events.
var ErrNotFound = errors.New("auditchain: not found")

// IntegrityError reports a chain verification failure. It is a distinct
// type so operators can separate "the chain was tampered with" from
// ordinary infrastructure errors — the two demand different responses.
type IntegrityError struct {
	TenantID string
	Index    int
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("auditchain: integrity failure for tenant %s at index %d: %s",
		e.TenantID, e.Index, e.Reason)
}

// Chain appends and verifies hash-linked audit events.
//
// All appends for one tenant serialize through a per-tenant lock held
// across the read-last/compute/store step, so concurrent writers can
// never fork the chain.
type Chain struct {
	store Store
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a chain over the given store.
func New(store Store) *Chain {
	return &Chain{
		store: store,
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

func (c *Chain) tenantLock(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[tenantID] = l
	}
	return l
}

// Append hashes and persists a new event, linking it to the tenant's
// previous event. The caller supplies actor/intent/object fields; IDs,
// timestamps and hashes are filled in here.
func (c *Chain) Append(ctx context.Context, event Event) (*Event, error) {
	if event.TenantID == "" {
		return nil, errors.New("auditchain: tenant ID required")
	}

	lock := c.tenantLock(event.TenantID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := c.store.LastForTenant(ctx, event.TenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("auditchain: reading chain head: %w", err)
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	event.CreatedAt = c.clock().UTC()
	event.PreviousHash = ""
	if prev != nil {
		event.PreviousHash = prev.ChainHash
	}

	canonical, err := canonicalize.JCS(event.hashable())
	if err != nil {
		return nil, fmt.Errorf("auditchain: canonicalizing event: %w", err)
	}
	event.NewHash = canonicalize.HashBytes(canonical)
	event.ChainHash = canonicalize.HashBytes(append([]byte(event.PreviousHash), canonical...))

	if err := c.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("auditchain: persisting event: %w", err)
	}
	return &event, nil
}

// Verify recomputes the tenant's chain end to end. A clean chain returns
// (true, nil); any mismatch returns (false, *IntegrityError). Other errors
// are infrastructure faults, not verdicts about integrity.
func (c *Chain) Verify(ctx context.Context, tenantID string) (bool, error) {
	events, err := c.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("auditchain: listing events: %w", err)
	}

	prevChainHash := ""
	for i := range events {
		e := &events[i]
		if e.PreviousHash != prevChainHash {
			return false, &IntegrityError{
				TenantID: tenantID, Index: i,
				Reason: "previous hash does not match predecessor chain hash",
			}
		}

		canonical, err := canonicalize.JCS(e.hashable())
		if err != nil {
			return false, fmt.Errorf("auditchain: canonicalizing event %d: %w", i, err)
		}
		if canonicalize.HashBytes(canonical) != e.NewHash {
			return false, &IntegrityError{
				TenantID: tenantID, Index: i,
				Reason: "payload hash mismatch",
			}
		}
		chainHash := canonicalize.HashBytes(append([]byte(prevChainHash), canonical...))
		if chainHash != e.ChainHash {
			return false, &IntegrityError{
				TenantID: tenantID, Index: i,
				Reason: "chain hash mismatch",
			}
		}
		prevChainHash = e.ChainHash
	}
	return true, nil
}

// Export verifies the tenant's chain and returns it as canonical JSON for
// offline archival. A chain that fails verification is never exported.
func (c *Chain) Export(ctx context.Context, tenantID string) ([]byte, error) {
	if _, err := c.Verify(ctx, tenantID); err != nil {
		return nil, err
	}
	events, err := c.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return canonicalize.JCS(events)
}
