package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
)

var breakerColumns = []string{
	"target_id", "state", "failure_count", "drift_score", "schema_error_count",
	"opened_at", "cooldown_until", "updated_at", "version",
}

var scopeColumns = []string{
	"scope_id", "tenant_id", "incident_id", "allowed_action", "max_cost_cents",
	"max_attempts", "attempts_used", "created_at", "expires_at", "status", "dry_run",
}

func TestPostgresBreakerStore_CASSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := breaker.State{
		TargetID:  "tool:deploy",
		State:     breaker.StateOpen,
		UpdatedAt: now,
		Version:   3,
	}

	mock.ExpectExec("UPDATE breaker_states").
		WithArgs("OPEN", 0, 0.0, 0, nil, nil, now, "tool:deploy", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresBreakerStoreUnmigrated(db)
	err = s.CompareAndSwap(context.Background(), 3, next)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBreakerStore_CASVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE breaker_states").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The zero-row probe finds the row, so the CAS lost a race.
	mock.ExpectQuery("SELECT (.+) FROM breaker_states").
		WithArgs("tool:deploy").
		WillReturnRows(sqlmock.NewRows(breakerColumns).
			AddRow("tool:deploy", "CLOSED", 0, 0.0, 0, nil, nil, now, int64(5)))

	s := NewPostgresBreakerStoreUnmigrated(db)
	err = s.CompareAndSwap(context.Background(), 3, breaker.State{TargetID: "tool:deploy", State: breaker.StateOpen, UpdatedAt: now})
	assert.ErrorIs(t, err, breaker.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBreakerStore_CASMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE breaker_states").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM breaker_states").
		WithArgs("tool:ghost").
		WillReturnRows(sqlmock.NewRows(breakerColumns))

	s := NewPostgresBreakerStoreUnmigrated(db)
	err = s.CompareAndSwap(context.Background(), 1, breaker.State{TargetID: "tool:ghost", State: breaker.StateOpen, UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, breaker.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScopeStore_ConsumeAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE execution_scopes").
		WithArgs("sc-1", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM execution_scopes").
		WithArgs("sc-1").
		WillReturnRows(sqlmock.NewRows(scopeColumns).
			AddRow("sc-1", "acme", "inc-9", "restart_service", int64(5000), 2, 1, now, now.Add(time.Hour), "ACTIVE", false))

	s := NewPostgresScopeStoreUnmigrated(db)
	sc, err := s.ConsumeAttempt(context.Background(), "sc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.AttemptsUsed)
	assert.Equal(t, scope.StatusActive, sc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScopeStore_ConsumeAttemptExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE execution_scopes").
		WithArgs("sc-1", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM execution_scopes").
		WithArgs("sc-1").
		WillReturnRows(sqlmock.NewRows(scopeColumns).
			AddRow("sc-1", "acme", "inc-9", "restart_service", int64(5000), 2, 2, now, now.Add(time.Hour), "ACTIVE", false))

	s := NewPostgresScopeStoreUnmigrated(db)
	_, err = s.ConsumeAttempt(context.Background(), "sc-1")
	assert.ErrorIs(t, err, scope.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScopeStore_ConsumeAttemptUnknownScope(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE execution_scopes").
		WithArgs("sc-ghost", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM execution_scopes").
		WithArgs("sc-ghost").
		WillReturnRows(sqlmock.NewRows(scopeColumns))

	s := NewPostgresScopeStoreUnmigrated(db)
	_, err = s.ConsumeAttempt(context.Background(), "sc-ghost")
	assert.ErrorIs(t, err, scope.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore_AppendArgs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := auditchain.Event{
		EventID:    "e1",
		TenantID:   "acme",
		NewHash:    "nh",
		ChainHash:  "ch",
		Actor:      "system",
		Intent:     "KILL_SWITCH_ACTIVATED",
		ObjectType: "kill_switch",
		ObjectID:   "acme",
		CreatedAt:  now,
	}

	// First event of a chain writes NULL previous_hash, not "".
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("e1", "acme", nil, "nh", "ch", "system", "KILL_SWITCH_ACTIVATED", "kill_switch", "acme", "null", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := NewPostgresAuditStoreUnmigrated(db)
	require.NoError(t, s.Append(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}
