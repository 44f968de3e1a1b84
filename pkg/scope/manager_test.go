package scope

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
)

type fixture struct {
	manager *Manager
	store   *MemoryStore
	chain   *auditchain.Chain
	now     time.Time
	nowMu   sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.nowMu.Lock()
	f.now = f.now.Add(d)
	f.nowMu.Unlock()
}

func newFixture() *fixture {
	f := &fixture{
		store: NewMemoryStore(),
		chain: auditchain.New(auditchain.NewMemoryStore()),
		now:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		f.nowMu.Lock()
		defer f.nowMu.Unlock()
		return f.now
	}
	f.chain.WithClock(clock)
	f.manager = NewManager("acme", f.store, f.chain, nil).WithClock(clock)
	return f
}

func create(t *testing.T, f *fixture, req CreateRequest) *Scope {
	t.Helper()
	s, err := f.manager.CreateScope(context.Background(), req)
	require.NoError(t, err)
	return s
}

func defaultRequest() CreateRequest {
	return CreateRequest{
		IncidentID:   "inc-42",
		Action:       "restart_worker",
		MaxCostCents: 5000,
		MaxAttempts:  1,
		TTL:          10 * time.Minute,
	}
}

func TestCreateScope_MintsActive(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())

	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 0, s.AttemptsUsed)
	assert.Equal(t, f.now.Add(10*time.Minute), s.ExpiresAt)
	assert.NotEmpty(t, s.ScopeID)
}

func TestCreateScope_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.manager.CreateScope(ctx, CreateRequest{IncidentID: "i", Action: "", MaxAttempts: 1, TTL: time.Minute})
	assert.Error(t, err)
	_, err = f.manager.CreateScope(ctx, CreateRequest{IncidentID: "i", Action: "a", MaxAttempts: 0, TTL: time.Minute})
	assert.Error(t, err)
	_, err = f.manager.CreateScope(ctx, CreateRequest{IncidentID: "i", Action: "a", MaxAttempts: 1})
	assert.Error(t, err, "zero ttl")
	_, err = f.manager.CreateScope(ctx, CreateRequest{Action: "a", MaxAttempts: 1, TTL: time.Minute})
	assert.Error(t, err, "missing incident")
}

func TestExecute_SingleUse(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())
	ctx := context.Background()

	first := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	require.Equal(t, OutcomeOK, first.Code)
	assert.Equal(t, 1, first.Scope.AttemptsUsed)
	assert.Equal(t, StatusExhausted, first.Scope.Status)

	second := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeExhausted, second.Code)
	assert.False(t, second.Allowed())
}

func TestExecute_NotFound(t *testing.T) {
	f := newFixture()
	out := f.manager.Execute(context.Background(), ExecuteRequest{
		ScopeID: "missing", Action: "x", IncidentID: "i",
	})
	assert.Equal(t, OutcomeNotFound, out.Code)
}

func TestExecute_ActionMismatchIsTamper(t *testing.T) {
	f := newFixture()
	req := defaultRequest()
	req.MaxAttempts = 3
	s := create(t, f, req)
	ctx := context.Background()

	out := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "delete_database", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeActionMismatch, out.Code)
	assert.True(t, out.Tampering())

	// Attempts remain untouched even though attempts were available.
	stored, err := f.store.Get(ctx, s.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AttemptsUsed)

	export, err := f.chain.Export(ctx, "acme")
	require.NoError(t, err)
	assert.Contains(t, string(export), "SCOPE_TAMPER_SUSPECTED")
}

func TestExecute_IncidentMismatchIsTamper(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())

	out := f.manager.Execute(context.Background(), ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-other",
	})
	assert.Equal(t, OutcomeIncidentMismatch, out.Code)
	assert.True(t, out.Tampering())
}

func TestExecute_LazyExpiry(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())
	ctx := context.Background()

	f.advance(11 * time.Minute)

	out := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeExpired, out.Code)

	stored, err := f.store.Get(ctx, s.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status, "the read performs the transition")

	again := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeExpired, again.Code)
}

func TestExecute_CostCeiling(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())

	out := f.manager.Execute(context.Background(), ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
		EstimatedCostCents: 9000,
	})
	assert.Equal(t, OutcomeCostExceeded, out.Code)
}

func TestExecute_DryRunNeverRedeemable(t *testing.T) {
	f := newFixture()
	req := defaultRequest()
	req.DryRun = true
	s := create(t, f, req)

	out := f.manager.Execute(context.Background(), ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeRevoked, out.Code)
}

func TestExecute_ConcurrentLastAttempt(t *testing.T) {
	// Two callers racing for the final attempt: exactly one may win. This
	// is the TOCTOU race the conditional increment exists to prevent.
	f := newFixture()
	req := defaultRequest()
	req.MaxAttempts = 1
	s := create(t, f, req)
	ctx := context.Background()

	const callers = 8
	var ok, exhausted int32
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			out := f.manager.Execute(ctx, ExecuteRequest{
				ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
			})
			switch out.Code {
			case OutcomeOK:
				atomic.AddInt32(&ok, 1)
			case OutcomeExhausted:
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok, "exactly one caller wins the last attempt")
	assert.Equal(t, int32(callers-1), exhausted)

	stored, err := f.store.Get(ctx, s.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptsUsed)
	assert.LessOrEqual(t, stored.AttemptsUsed, stored.MaxAttempts)
}

func TestExecute_MultiAttempt(t *testing.T) {
	f := newFixture()
	req := defaultRequest()
	req.MaxAttempts = 3
	s := create(t, f, req)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		out := f.manager.Execute(ctx, ExecuteRequest{
			ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
		})
		require.Equal(t, OutcomeOK, out.Code, "attempt %d", i)
		assert.Equal(t, i, out.Scope.AttemptsUsed)
	}

	out := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeExhausted, out.Code)
}

func TestRevoke(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())
	ctx := context.Background()

	require.NoError(t, f.manager.Revoke(ctx, s.ScopeID, "incident closed"))

	out := f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})
	assert.Equal(t, OutcomeRevoked, out.Code)

	// Revoking twice fails the CAS.
	assert.Error(t, f.manager.Revoke(ctx, s.ScopeID, "again"))
}

func TestAuditTrail_ChainsCleanly(t *testing.T) {
	f := newFixture()
	s := create(t, f, defaultRequest())
	ctx := context.Background()

	f.manager.Execute(ctx, ExecuteRequest{
		ScopeID: s.ScopeID, Action: "restart_worker", IncidentID: "inc-42",
	})

	ok, err := f.chain.Verify(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok)

	export, err := f.chain.Export(ctx, "acme")
	require.NoError(t, err)
	assert.Contains(t, string(export), "SCOPE_CREATED")
	assert.Contains(t, string(export), "SCOPE_ATTEMPT_CONSUMED")
	assert.Contains(t, string(export), "SCOPE_EXHAUSTED")
}
