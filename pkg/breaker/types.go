// Package breaker implements per-target circuit breakers that automatically
// disable a failing capability family. A breaker trips on cumulative
// failures, drift, schema errors, or manual disable, and recovers lazily on
// the first read after its cooldown elapses.
package breaker

import (
	"context"
	"errors"
	"time"
)

// CircuitState is the breaker position for one target.
type CircuitState string

const (
	StateClosed CircuitState = "CLOSED"
	StateOpen   CircuitState = "OPEN"
)

// State is the persisted breaker record for one guarded target.
//
// Version supports compare-and-swap at the store so a manual enable can
// never race an automatic trip into a lost update. CooldownUntil is zero
// for manual disables, which stay open until a human re-enables them.
type State struct {
	TargetID         string       `json:"target_id"`
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	DriftScore       float64      `json:"drift_score"`
	SchemaErrorCount int          `json:"schema_error_count"`
	OpenedAt         time.Time    `json:"opened_at,omitzero"`
	CooldownUntil    time.Time    `json:"cooldown_until,omitzero"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Version          int64        `json:"version"`
}

// Config holds the trip thresholds and recovery cooldown.
type Config struct {
	FailureThreshold     int
	DriftThreshold       float64
	SchemaErrorThreshold int
	Cooldown             time.Duration
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		DriftThreshold:       0.25,
		SchemaErrorThreshold: 3,
		Cooldown:             5 * time.Minute,
	}
}

var (
	// ErrNotFound is returned by stores for targets with no breaker row.
	ErrNotFound = errors.New("breaker: not found")
	// ErrConditionFailed is returned when a compare-and-swap loses the race.
	ErrConditionFailed = errors.New("breaker: condition failed")
	// ErrUnavailable wraps store faults after CAS retries are exhausted.
	// Callers must treat it as OPEN, never CLOSED.
	ErrUnavailable = errors.New("breaker: store unavailable")
)

// Store is the durable backing for breaker state.
type Store interface {
	Get(ctx context.Context, targetID string) (*State, error)

	// Create inserts the initial row for a target. Duplicate creation for
	// the same target is an error; racers fall back to Get.
	Create(ctx context.Context, state State) error

	// CompareAndSwap replaces the row for next.TargetID if the stored
	// version equals expectedVersion, bumping next.Version by one. A
	// version mismatch returns ErrConditionFailed.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next State) error
}

// TripCause labels why a breaker opened, for audit and incident records.
type TripCause string

const (
	CauseFailures    TripCause = "FAILURE_THRESHOLD"
	CauseDrift       TripCause = "DRIFT_THRESHOLD"
	CauseSchemaError TripCause = "SCHEMA_ERROR_THRESHOLD"
	CauseManual      TripCause = "MANUAL_DISABLE"
)
