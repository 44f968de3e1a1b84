package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/failuremode"
	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

const validProfile = `
name: production
version: 2.1.0
engine_version: ">= 1.0, < 2"
failure_mode: FAIL_CLOSED
resolver_strategy: SEVERITY_FIRST
breaker:
  failure_threshold: 5
  drift_threshold: 0.25
  schema_error_threshold: 3
  cooldown_seconds: 300
scopes:
  default_ttl_seconds: 900
  default_max_attempts: 1
  max_cost_cents: 10000
rules:
  - id: cost-ceiling
    expression: request.cost_cents > 10000
    action: STOP
    precedence: 10
    reason: cost above ceiling
`

func TestParseProfile_Valid(t *testing.T) {
	p, err := ParseProfile([]byte(validProfile))
	require.NoError(t, err)

	assert.Equal(t, "production", p.Name)
	assert.Equal(t, failuremode.FailClosedMode, p.FailureMode)
	assert.Equal(t, verdict.SeverityFirst, p.ResolverStrategy)
	assert.Equal(t, 5*time.Minute, p.Breaker.Cooldown())
	assert.Equal(t, 15*time.Minute, p.Scopes.DefaultTTL())
	require.Len(t, p.Rules, 1)
	assert.Equal(t, verdict.ActionStop, p.Rules[0].Action)
}

func TestParseProfile_RejectsUnknownFailureMode(t *testing.T) {
	doc := `
version: 1.0.0
failure_mode: FAIL_MAYBE
resolver_strategy: SEVERITY_FIRST
`
	_, err := ParseProfile([]byte(doc))
	assert.ErrorContains(t, err, "schema validation")
}

func TestParseProfile_RejectsMissingRequiredFields(t *testing.T) {
	_, err := ParseProfile([]byte(`name: incomplete`))
	assert.ErrorContains(t, err, "schema validation")
}

func TestParseProfile_RejectsBadRuleAction(t *testing.T) {
	doc := `
version: 1.0.0
failure_mode: FAIL_CLOSED
resolver_strategy: FAIL_CLOSED
rules:
  - id: r1
    expression: "true"
    action: EXPLODE
`
	_, err := ParseProfile([]byte(doc))
	assert.ErrorContains(t, err, "schema validation")
}

func TestParseProfile_RejectsInvalidVersion(t *testing.T) {
	doc := `
version: not-semver
failure_mode: FAIL_CLOSED
resolver_strategy: FAIL_CLOSED
`
	_, err := ParseProfile([]byte(doc))
	assert.ErrorContains(t, err, "invalid version")
}

func TestParseProfile_EngineConstraintEnforced(t *testing.T) {
	doc := `
version: 1.0.0
engine_version: ">= 99.0"
failure_mode: FAIL_CLOSED
resolver_strategy: FAIL_CLOSED
`
	_, err := ParseProfile([]byte(doc))
	assert.ErrorContains(t, err, "requires engine")
}

func TestLoadProfile_FromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_staging.yaml")
	doc := `
version: 1.0.0
failure_mode: FAIL_WARN
resolver_strategy: PRECEDENCE_FIRST
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadProfile(dir, "STAGING")
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Name, "name falls back to the filename")
	assert.Equal(t, failuremode.FailWarnMode, p.FailureMode)
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"prod", "staging"} {
		doc := "version: 1.0.0\nfailure_mode: FAIL_CLOSED\nresolver_strategy: FAIL_CLOSED\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_"+name+".yaml"), []byte(doc), 0o600))
	}

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.Contains(t, profiles, "prod")
	assert.Contains(t, profiles, "staging")
}
