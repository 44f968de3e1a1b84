package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/aegis/pkg/failuremode"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

// EngineVersion is the control-plane version that profiles constrain
// against via engine_version.
const EngineVersion = "1.4.0"

// GovernanceProfile is a named, versioned bundle of governance settings:
// failure posture, resolver strategy, breaker thresholds, scope defaults
// and the policy rule set.
type GovernanceProfile struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// EngineVersionConstraint is a semver range the running engine must
	// satisfy, e.g. ">= 1.2, < 2". Empty means any engine.
	EngineVersionConstraint string `yaml:"engine_version,omitempty" json:"engine_version,omitempty"`

	FailureMode      failuremode.Mode `yaml:"failure_mode" json:"failure_mode"`
	ResolverStrategy verdict.Strategy `yaml:"resolver_strategy" json:"resolver_strategy"`

	Breaker BreakerProfile `yaml:"breaker" json:"breaker"`
	Scopes  ScopeProfile   `yaml:"scopes" json:"scopes"`

	Rules []policy.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// BreakerProfile holds circuit-breaker thresholds.
type BreakerProfile struct {
	FailureThreshold     int     `yaml:"failure_threshold" json:"failure_threshold"`
	DriftThreshold       float64 `yaml:"drift_threshold" json:"drift_threshold"`
	SchemaErrorThreshold int     `yaml:"schema_error_threshold" json:"schema_error_threshold"`
	CooldownSeconds      int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

// Cooldown returns the recovery cooldown as a duration.
func (b BreakerProfile) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// ScopeProfile holds defaults applied to new execution scopes.
type ScopeProfile struct {
	DefaultTTLSeconds  int   `yaml:"default_ttl_seconds" json:"default_ttl_seconds"`
	DefaultMaxAttempts int   `yaml:"default_max_attempts" json:"default_max_attempts"`
	MaxCostCents       int64 `yaml:"max_cost_cents" json:"max_cost_cents"`
}

// DefaultTTL returns the scope lifetime as a duration.
func (s ScopeProfile) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLSeconds) * time.Second
}

const profileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "failure_mode", "resolver_strategy"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"engine_version": {"type": "string"},
		"failure_mode": {"enum": ["FAIL_CLOSED", "FAIL_WARN", "FAIL_OPEN"]},
		"resolver_strategy": {"enum": ["PRECEDENCE_FIRST", "SEVERITY_FIRST", "FAIL_CLOSED"]},
		"breaker": {
			"type": "object",
			"properties": {
				"failure_threshold": {"type": "integer", "minimum": 1},
				"drift_threshold": {"type": "number", "exclusiveMinimum": 0},
				"schema_error_threshold": {"type": "integer", "minimum": 1},
				"cooldown_seconds": {"type": "integer", "minimum": 1}
			}
		},
		"scopes": {
			"type": "object",
			"properties": {
				"default_ttl_seconds": {"type": "integer", "minimum": 1},
				"default_max_attempts": {"type": "integer", "minimum": 1},
				"max_cost_cents": {"type": "integer", "minimum": 0}
			}
		},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "expression", "action"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"expression": {"type": "string", "minLength": 1},
					"action": {"enum": ["CONTINUE", "WARN", "PAUSE", "STOP", "KILL"]},
					"precedence": {"type": "integer"},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`

var compiledProfileSchema = mustCompileProfileSchema()

func mustCompileProfileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://aegis.schemas.local/governance_profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(fmt.Sprintf("config: loading profile schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("config: compiling profile schema: %v", err))
	}
	return s
}

// ParseProfile validates raw profile YAML against the schema, checks the
// engine version constraint, and decodes it. Validation happens before
// decoding so a bad document never half-populates a profile.
func ParseProfile(data []byte) (*GovernanceProfile, error) {
	// The schema validator wants JSON-decoded values, so round-trip the
	// YAML document through JSON first.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonDoc))
	dec.UseNumber()
	var validatable any
	if err := dec.Decode(&validatable); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(validatable); err != nil {
		return nil, fmt.Errorf("profile failed schema validation: %w", err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	if _, err := semver.NewVersion(profile.Version); err != nil {
		return nil, fmt.Errorf("profile %s has invalid version %q: %w", profile.Name, profile.Version, err)
	}
	if err := checkEngineConstraint(&profile, EngineVersion); err != nil {
		return nil, err
	}
	return &profile, nil
}

func checkEngineConstraint(p *GovernanceProfile, engineVersion string) error {
	if p.EngineVersionConstraint == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(p.EngineVersionConstraint)
	if err != nil {
		return fmt.Errorf("profile %s has invalid engine constraint %q: %w", p.Name, p.EngineVersionConstraint, err)
	}
	engineV, err := semver.NewVersion(engineVersion)
	if err != nil {
		return fmt.Errorf("invalid engine version %s: %w", engineVersion, err)
	}
	if !constraint.Check(engineV) {
		return fmt.Errorf("profile %s requires engine %s, but running %s", p.Name, p.EngineVersionConstraint, engineVersion)
	}
	return nil
}

// LoadProfile loads a governance profile by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*GovernanceProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	profile, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		profile, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}
