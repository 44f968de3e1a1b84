// Package config loads runtime configuration from the environment and
// governance profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	TenantID    string
	ProfilesDir string

	// IncidentWebhookURL receives breaker trip/resolve notifications.
	// Empty disables outbound notification.
	IncidentWebhookURL string

	// GuardWorkers and GuardTimeout bound the synchronous breaker check
	// on the governance hot path.
	GuardWorkers int
	GuardTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://aegis@localhost:5433/aegis?sslmode=disable"
	}

	tenantID := os.Getenv("TENANT_ID")
	if tenantID == "" {
		tenantID = "default"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        dbURL,
		RedisURL:           os.Getenv("REDIS_URL"),
		TenantID:           tenantID,
		ProfilesDir:        profilesDir,
		IncidentWebhookURL: os.Getenv("INCIDENT_WEBHOOK_URL"),
		GuardWorkers:       envInt("GUARD_WORKERS", 4),
		GuardTimeout:       envDuration("GUARD_TIMEOUT", 250*time.Millisecond),
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
