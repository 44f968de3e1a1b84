package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
)

// OpenPostgres opens a Postgres connection pool from a DSN.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

const postgresAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	previous_hash TEXT,
	new_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	actor TEXT NOT NULL,
	intent TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id, seq);

CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events;
CREATE TRIGGER audit_events_no_mutation
	BEFORE UPDATE OR DELETE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_immutable();
`

// PostgresAuditStore implements auditchain.Store over Postgres.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore migrates the schema and returns the store.
func NewPostgresAuditStore(db *sql.DB) (*PostgresAuditStore, error) {
	if _, err := db.ExecContext(context.Background(), postgresAuditSchema); err != nil {
		return nil, fmt.Errorf("store: migrating audit schema: %w", err)
	}
	return &PostgresAuditStore{db: db}, nil
}

// NewPostgresAuditStoreUnmigrated wraps an existing pool without running
// DDL, for deployments where migrations run out of band.
func NewPostgresAuditStoreUnmigrated(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, event auditchain.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("store: marshaling details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.EventID, event.TenantID, nullable(event.PreviousHash), event.NewHash,
		event.ChainHash, event.Actor, event.Intent, event.ObjectType, event.ObjectID,
		string(detailsJSON), event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: inserting audit event: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) LastForTenant(ctx context.Context, tenantID string) (*auditchain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at
		FROM audit_events WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID)
	event, err := scanPostgresAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auditchain.ErrNotFound
	}
	return event, err
}

func (s *PostgresAuditStore) ListForTenant(ctx context.Context, tenantID string) ([]auditchain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, previous_hash, new_hash, chain_hash, actor, intent, object_type, object_id, details, created_at
		FROM audit_events WHERE tenant_id = $1 ORDER BY seq ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]auditchain.Event, 0)
	for rows.Next() {
		event, err := scanPostgresAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanPostgresAuditEvent(row rowScanner) (*auditchain.Event, error) {
	var (
		e           auditchain.Event
		prevHash    sql.NullString
		detailsJSON sql.NullString
		createdAt   time.Time
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
	e.CreatedAt = createdAt.UTC()
	return &e, nil
}

const postgresBreakerSchema = `
CREATE TABLE IF NOT EXISTS breaker_states (
	target_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	failure_count INTEGER NOT NULL DEFAULT 0,
	drift_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	schema_error_count INTEGER NOT NULL DEFAULT 0,
	opened_at TIMESTAMPTZ,
	cooldown_until TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL
);
`

// PostgresBreakerStore implements breaker.Store over Postgres.
type PostgresBreakerStore struct {
	db *sql.DB
}

// NewPostgresBreakerStore migrates the schema and returns the store.
func NewPostgresBreakerStore(db *sql.DB) (*PostgresBreakerStore, error) {
	if _, err := db.ExecContext(context.Background(), postgresBreakerSchema); err != nil {
		return nil, fmt.Errorf("store: migrating breaker schema: %w", err)
	}
	return &PostgresBreakerStore{db: db}, nil
}

// NewPostgresBreakerStoreUnmigrated wraps an existing pool without DDL.
func NewPostgresBreakerStoreUnmigrated(db *sql.DB) *PostgresBreakerStore {
	return &PostgresBreakerStore{db: db}
}

func (s *PostgresBreakerStore) Get(ctx context.Context, targetID string) (*breaker.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_id, state, failure_count, drift_score, schema_error_count, opened_at, cooldown_until, updated_at, version
		FROM breaker_states WHERE target_id = $1`, targetID)

	var (
		st            breaker.State
		stateStr      string
		openedAt      sql.NullTime
		cooldownUntil sql.NullTime
		updatedAt     time.Time
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
		st.OpenedAt = openedAt.Time.UTC()
	}
	if cooldownUntil.Valid {
		st.CooldownUntil = cooldownUntil.Time.UTC()
	}
	st.UpdatedAt = updatedAt.UTC()
	return &st, nil
}

func (s *PostgresBreakerStore) Create(ctx context.Context, state breaker.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states (target_id, state, failure_count, drift_score, schema_error_count, opened_at, cooldown_until, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		state.TargetID, string(state.State), state.FailureCount, state.DriftScore,
		state.SchemaErrorCount, pqNullTime(state.OpenedAt), pqNullTime(state.CooldownUntil),
		state.UpdatedAt.UTC(), state.Version,
	)
	if err != nil {
		return fmt.Errorf("store: creating breaker state: %w", err)
	}
	return nil
}

func (s *PostgresBreakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next breaker.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE breaker_states
		SET state = $1, failure_count = $2, drift_score = $3, schema_error_count = $4,
			opened_at = $5, cooldown_until = $6, updated_at = $7, version = version + 1
		WHERE target_id = $8 AND version = $9`,
		string(next.State), next.FailureCount, next.DriftScore, next.SchemaErrorCount,
		pqNullTime(next.OpenedAt), pqNullTime(next.CooldownUntil), next.UpdatedAt.UTC(),
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

const postgresScopeSchema = `
CREATE TABLE IF NOT EXISTS execution_scopes (
	scope_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	incident_id TEXT NOT NULL,
	allowed_action TEXT NOT NULL,
	max_cost_cents BIGINT NOT NULL,
	max_attempts INTEGER NOT NULL,
	attempts_used INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	dry_run BOOLEAN NOT NULL DEFAULT FALSE,
	CHECK (attempts_used <= max_attempts)
);
CREATE INDEX IF NOT EXISTS idx_execution_scopes_incident ON execution_scopes(incident_id);
`

// PostgresScopeStore implements scope.Store over Postgres.
type PostgresScopeStore struct {
	db *sql.DB
}

// NewPostgresScopeStore migrates the schema and returns the store.
func NewPostgresScopeStore(db *sql.DB) (*PostgresScopeStore, error) {
	if _, err := db.ExecContext(context.Background(), postgresScopeSchema); err != nil {
		return nil, fmt.Errorf("store: migrating scope schema: %w", err)
	}
	return &PostgresScopeStore{db: db}, nil
}

// NewPostgresScopeStoreUnmigrated wraps an existing pool without DDL.
func NewPostgresScopeStoreUnmigrated(db *sql.DB) *PostgresScopeStore {
	return &PostgresScopeStore{db: db}
}

func (s *PostgresScopeStore) Create(ctx context.Context, sc scope.Scope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_scopes (scope_id, tenant_id, incident_id, allowed_action, max_cost_cents, max_attempts, attempts_used, created_at, expires_at, status, dry_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sc.ScopeID, sc.TenantID, sc.IncidentID, sc.AllowedAction, sc.MaxCostCents,
		sc.MaxAttempts, sc.AttemptsUsed, sc.CreatedAt.UTC(), sc.ExpiresAt.UTC(),
		string(sc.Status), sc.DryRun,
	)
	if err != nil {
		return fmt.Errorf("store: creating scope: %w", err)
	}
	return nil
}

func (s *PostgresScopeStore) Get(ctx context.Context, scopeID string) (*scope.Scope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope_id, tenant_id, incident_id, allowed_action, max_cost_cents, max_attempts, attempts_used, created_at, expires_at, status, dry_run
		FROM execution_scopes WHERE scope_id = $1`, scopeID)

	var (
		sc        scope.Scope
		status    string
		createdAt time.Time
		expiresAt time.Time
	)
	err := row.Scan(&sc.ScopeID, &sc.TenantID, &sc.IncidentID, &sc.AllowedAction,
		&sc.MaxCostCents, &sc.MaxAttempts, &sc.AttemptsUsed, &createdAt, &expiresAt,
		&status, &sc.DryRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scope.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Status = scope.Status(status)
	sc.CreatedAt = createdAt.UTC()
	sc.ExpiresAt = expiresAt.UTC()
	return &sc, nil
}

func (s *PostgresScopeStore) ConsumeAttempt(ctx context.Context, scopeID string) (*scope.Scope, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_scopes
		SET attempts_used = attempts_used + 1
		WHERE scope_id = $1 AND status = $2 AND attempts_used < max_attempts`,
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

func (s *PostgresScopeStore) UpdateStatus(ctx context.Context, scopeID string, from, to scope.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_scopes SET status = $1 WHERE scope_id = $2 AND status = $3`,
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

func pqNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
