// Package store provides the persistent backings for the governance
// control plane: audit events, breaker state, and execution scopes, over
// SQLite, Postgres, or Redis (breaker cache).
//
// The audit tables are append-only at the storage layer: UPDATE and
// DELETE are rejected by triggers, because an application-only check is
// bypassable by anyone with a SQL console.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
)

// OpenSQLite opens (and creates if needed) a SQLite database at path.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent governance checks.
	db.SetMaxOpenConns(1)
	return db, nil
}

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	previous_hash TEXT,
	new_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	actor TEXT NOT NULL,
	intent TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	details JSON,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id);
CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;
`

// SQLiteAuditStore implements auditchain.Store over SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore migrates the schema and returns the store.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if _, err := db.ExecContext(context.Background(), sqliteAuditSchema); err != nil {
		return nil, fmt.Errorf("store: migrating audit schema: %w", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

func (s *SQLiteAuditStore) Append(ctx context.Context, event auditchain.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("store: marshaling details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.TenantID, nullable(event.PreviousHash), event.NewHash,
		event.ChainHash, event.Actor, event.Intent, event.ObjectType, event.ObjectID,
		string(detailsJSON), formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: inserting audit event: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) LastForTenant(ctx context.Context, tenantID string) (*auditchain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at
		FROM audit_events WHERE tenant_id = ? ORDER BY rowid DESC LIMIT 1`, tenantID)
	event, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auditchain.ErrNotFound
	}
	return event, err
}

func (s *SQLiteAuditStore) ListForTenant(ctx context.Context, tenantID string) ([]auditchain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at
		FROM audit_events WHERE tenant_id = ? ORDER BY rowid ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]auditchain.Event, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row rowScanner) (*auditchain.Event, error) {
	var (
		e           auditchain.Event
		prevHash    sql.NullString
		detailsJSON sql.NullString
		createdAt   string
	)
	err := row.Scan(&e.EventID, &e.TenantID, &prevHash, &e.NewHash, &e.ChainHash,
		&e.Actor, &e.Intent, &e.ObjectType, &e.ObjectID, &detailsJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	e.PreviousHash = prevHash.String
	if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
			return nil, fmt.Errorf("store: decoding details: %w", err)
		}
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

const sqliteBreakerSchema = `
CREATE TABLE IF NOT EXISTS breaker_states (
	target_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	failure_count INTEGER NOT NULL DEFAULT 0,
	drift_score REAL NOT NULL DEFAULT 0,
	schema_error_count INTEGER NOT NULL DEFAULT 0,
	opened_at TEXT,
	cooldown_until TEXT,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL
);
`

// SQLiteBreakerStore implements breaker.Store over SQLite. The
// compare-and-swap is a conditional UPDATE on the version column.
type SQLiteBreakerStore struct {
	db *sql.DB
}

// NewSQLiteBreakerStore migrates the schema and returns the store.
func NewSQLiteBreakerStore(db *sql.DB) (*SQLiteBreakerStore, error) {
	if _, err := db.ExecContext(context.Background(), sqliteBreakerSchema); err != nil {
		return nil, fmt.Errorf("store: migrating breaker schema: %w", err)
	}
	return &SQLiteBreakerStore{db: db}, nil
}

func (s *SQLiteBreakerStore) Get(ctx context.Context, targetID string) (*breaker.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_id, state, failure_count, drift_score, schema_error_count, opened_at, cooldown_until, updated_at, version
		FROM breaker_states WHERE target_id = ?`, targetID)

	var (
		st            breaker.State
		stateStr      string
		openedAt      sql.NullString
		cooldownUntil sql.NullString
		updatedAt     string
	)
	err := row.Scan(&st.TargetID, &stateStr, &st.FailureCount, &st.DriftScore,
		&st.SchemaErrorCount, &openedAt, &cooldownUntil, &updatedAt, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, breaker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.State = breaker.CircuitState(stateStr)
	if openedAt.Valid {
		st.OpenedAt = parseTime(openedAt.String)
	}
	if cooldownUntil.Valid {
		st.CooldownUntil = parseTime(cooldownUntil.String)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func (s *SQLiteBreakerStore) Create(ctx context.Context, state breaker.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states (target_id, state, failure_count, drift_score, schema_error_count, opened_at, cooldown_until, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.TargetID, string(state.State), state.FailureCount, state.DriftScore,
		state.SchemaErrorCount, nullableTime(state.OpenedAt), nullableTime(state.CooldownUntil),
		formatTime(state.UpdatedAt), state.Version,
	)
	if err != nil {
		return fmt.Errorf("store: creating breaker state: %w", err)
	}
	return nil
}

func (s *SQLiteBreakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next breaker.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE breaker_states
		SET state = ?, failure_count = ?, drift_score = ?, schema_error_count = ?,
			opened_at = ?, cooldown_until = ?, updated_at = ?, version = version + 1
		WHERE target_id = ? AND version = ?`,
		string(next.State), next.FailureCount, next.DriftScore, next.SchemaErrorCount,
		nullableTime(next.OpenedAt), nullableTime(next.CooldownUntil), formatTime(next.UpdatedAt),
		next.TargetID, expectedVersion,
	)
	if err != nil {
		return err
	}
	return casResult(res, func() error {
		_, getErr := s.Get(ctx, next.TargetID)
		return getErr
	})
}

const sqliteScopeSchema = `
CREATE TABLE IF NOT EXISTS execution_scopes (
	scope_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	incident_id TEXT NOT NULL,
	allowed_action TEXT NOT NULL,
	max_cost_cents INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	attempts_used INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	status TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	CHECK (attempts_used <= max_attempts)
);
`

// SQLiteScopeStore implements scope.Store over SQLite. Attempt
// consumption is a single conditional UPDATE — the two-step
// read-compare-write this replaces is exactly the race that would let
// two callers share the last attempt.
type SQLiteScopeStore struct {
	db *sql.DB
}

// NewSQLiteScopeStore migrates the schema and returns the store.
func NewSQLiteScopeStore(db *sql.DB) (*SQLiteScopeStore, error) {
	if _, err := db.ExecContext(context.Background(), sqliteScopeSchema); err != nil {
		return nil, fmt.Errorf("store: migrating scope schema: %w", err)
	}
	return &SQLiteScopeStore{db: db}, nil
}

func (s *SQLiteScopeStore) Create(ctx context.Context, sc scope.Scope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_scopes (scope_id, tenant_id, incident_id, allowed_action, max_cost_cents, max_attempts, attempts_used, created_at, expires_at, status, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ScopeID, sc.TenantID, sc.IncidentID, sc.AllowedAction, sc.MaxCostCents,
		sc.MaxAttempts, sc.AttemptsUsed, formatTime(sc.CreatedAt), formatTime(sc.ExpiresAt),
		string(sc.Status), boolToInt(sc.DryRun),
	)
	if err != nil {
		return fmt.Errorf("store: creating scope: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) Get(ctx context.Context, scopeID string) (*scope.Scope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope_id, tenant_id, incident_id, allowed_action, max_cost_cents, max_attempts, attempts_used, created_at, expires_at, status, dry_run
		FROM execution_scopes WHERE scope_id = ?`, scopeID)
	sc, err := scanScope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scope.ErrNotFound
	}
	return sc, err
}

func (s *SQLiteScopeStore) ConsumeAttempt(ctx context.Context, scopeID string) (*scope.Scope, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_scopes
		SET attempts_used = attempts_used + 1
		WHERE scope_id = ? AND status = ? AND attempts_used < max_attempts`,
		scopeID, string(scope.StatusActive),
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, scopeID); getErr != nil {
			return nil, getErr
		}
		return nil, scope.ErrConditionFailed
	}
	return s.Get(ctx, scopeID)
}

func (s *SQLiteScopeStore) UpdateStatus(ctx context.Context, scopeID string, from, to scope.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_scopes SET status = ? WHERE scope_id = ? AND status = ?`,
		string(to), scopeID, string(from),
	)
	if err != nil {
		return err
	}
	return scopeCASResult(res, func() error {
		_, getErr := s.Get(ctx, scopeID)
		return getErr
	})
}

func scanScope(row rowScanner) (*scope.Scope, error) {
	var (
		sc        scope.Scope
		status    string
		createdAt string
		expiresAt string
		dryRun    int
	)
	err := row.Scan(&sc.ScopeID, &sc.TenantID, &sc.IncidentID, &sc.AllowedAction,
		&sc.MaxCostCents, &sc.MaxAttempts, &sc.AttemptsUsed, &createdAt, &expiresAt,
		&status, &dryRun)
	if err != nil {
		return nil, err
	}
	sc.Status = scope.Status(status)
	sc.CreatedAt = parseTime(createdAt)
	sc.ExpiresAt = parseTime(expiresAt)
	sc.DryRun = dryRun != 0
	return &sc, nil
}

// casResult maps a zero-row UPDATE to the right sentinel: ErrNotFound
// when the row is missing, ErrConditionFailed when it exists but the
// precondition no longer holds.
func casResult(res sql.Result, probe func() error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if probeErr := probe(); probeErr != nil {
			return probeErr
		}
		return breaker.ErrConditionFailed
	}
	return nil
}

func scopeCASResult(res sql.Result, probe func() error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if probeErr := probe(); probeErr != nil {
			return probeErr
		}
		return scope.ErrConditionFailed
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
