// Package auditchain maintains the append-only, hash-linked record of
// every governance decision. Each event is chained to its predecessor for
// the same tenant, so retroactive edits are detectable even when they are
// not preventable at the storage layer.
package auditchain

import (
	"context"
	"time"
)

// Event is one tamper-evident audit record.
//
// NewHash digests the event payload alone; ChainHash digests the previous
// chain hash concatenated with the canonical payload, which is what links
// the chain. PreviousHash is empty for the first event of a tenant.
type Event struct {
	EventID      string         `json:"event_id"`
	TenantID     string         `json:"tenant_id"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	NewHash      string         `json:"new_hash"`
	ChainHash    string         `json:"chain_hash"`
	Actor        string         `json:"actor"`
	Intent       string         `json:"intent"`
	ObjectType   string         `json:"object_type"`
	ObjectID     string         `json:"object_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// payload is the hashed portion of an event. The hash fields themselves
// are excluded, and the link to the predecessor enters via the chain
// concatenation rather than the payload.
type payload struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	Actor      string         `json:"actor"`
	Intent     string         `json:"intent"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (e *Event) hashable() payload {
	return payload{
		EventID:    e.EventID,
		TenantID:   e.TenantID,
		Actor:      e.Actor,
		Intent:     e.Intent,
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		Details:    e.Details,
		CreatedAt:  e.CreatedAt,
	}
}

// Store is the durable backing for audit events. Implementations must be
// insert-only: the interface deliberately has no update or delete, and the
// SQL stores additionally enforce rejection at the storage layer because
// an application-only check is bypassable.
type Store interface {
	// Append persists a fully-hashed event. Duplicate event IDs are an error.
	Append(ctx context.Context, event Event) error

	// LastForTenant returns the most recently appended event for a tenant,
	// or nil if the tenant has no events yet.
	LastForTenant(ctx context.Context, tenantID string) (*Event, error)

	// ListForTenant returns all events for a tenant in append order.
	ListForTenant(ctx context.Context, tenantID string) ([]Event, error)
}
