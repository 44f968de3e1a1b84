// Command aegisd runs the governance control plane: policy checks,
// execution scopes, circuit breakers, kill switch and audit chain behind
// one HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/aegis/pkg/api"
	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/config"
	"github.com/Mindburn-Labs/aegis/pkg/failuremode"
	"github.com/Mindburn-Labs/aegis/pkg/gate"
	"github.com/Mindburn-Labs/aegis/pkg/killswitch"
	"github.com/Mindburn-Labs/aegis/pkg/observability"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
	"github.com/Mindburn-Labs/aegis/pkg/store"
	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("aegisd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	profile, err := loadProfile(cfg, logger)
	if err != nil {
		return err
	}

	auditStore, breakerStore, scopeStore, closeStores, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "aegis-control-plane",
		ServiceVersion: config.EngineVersion,
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	chain := auditchain.New(auditStore)
	kill := killswitch.New(cfg.TenantID, chain, logger)

	var notifier breaker.IncidentNotifier
	if cfg.IncidentWebhookURL != "" {
		notifier = breaker.NewHTTPNotifier(cfg.IncidentWebhookURL, logger)
	}
	b := breaker.New(cfg.TenantID, breaker.Config{
		FailureThreshold:     profile.Breaker.FailureThreshold,
		DriftThreshold:       profile.Breaker.DriftThreshold,
		SchemaErrorThreshold: profile.Breaker.SchemaErrorThreshold,
		Cooldown:             profile.Breaker.Cooldown(),
	}, breakerStore, chain, notifier, logger)
	guard := breaker.NewGuard(b, cfg.GuardWorkers, cfg.GuardTimeout, logger)
	defer guard.Close()

	engine, err := policy.NewEngine(profile.Rules)
	if err != nil {
		return err
	}

	g, err := gate.New(gate.Deps{
		TenantID:      cfg.TenantID,
		KillSwitch:    kill,
		Guard:         guard,
		Engine:        engine,
		Resolver:      verdict.NewResolver(profile.ResolverStrategy),
		Failures:      failuremode.NewHandler(profile.FailureMode, logger),
		Scopes:        scope.NewManager(cfg.TenantID, scopeStore, chain, logger),
		Audit:         chain,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewService(cfg.TenantID, g, kill, b, chain, logger).Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aegisd listening",
			"port", cfg.Port,
			"tenant", cfg.TenantID,
			"profile", profile.Name,
			"failure_mode", string(profile.FailureMode),
			"rules", engine.RuleCount(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadProfile(cfg *config.Config, logger *slog.Logger) (*config.GovernanceProfile, error) {
	name := os.Getenv("GOVERNANCE_PROFILE")
	if name == "" {
		name = "default"
	}
	profile, err := config.LoadProfile(cfg.ProfilesDir, name)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		// A present-but-invalid profile is a configuration error, not
		// something to silently paper over with defaults.
		return nil, err
	}

	logger.Warn("governance profile not found, using conservative defaults", "profile", name)
	def := breaker.DefaultConfig()
	return &config.GovernanceProfile{
		Name:             "builtin-default",
		Version:          config.EngineVersion,
		FailureMode:      failuremode.FailClosedMode,
		ResolverStrategy: verdict.FailClosed,
		Breaker: config.BreakerProfile{
			FailureThreshold:     def.FailureThreshold,
			DriftThreshold:       def.DriftThreshold,
			SchemaErrorThreshold: def.SchemaErrorThreshold,
			CooldownSeconds:      int(def.Cooldown / time.Second),
		},
		Scopes: config.ScopeProfile{
			DefaultTTLSeconds:  900,
			DefaultMaxAttempts: 1,
			MaxCostCents:       10000,
		},
	}, nil
}

// openStores picks the persistence backend from DATABASE_URL: a postgres
// DSN uses lib/pq, anything else is treated as a SQLite path. REDIS_URL,
// when set, moves breaker state to Redis for hot-path reads.
func openStores(cfg *config.Config, logger *slog.Logger) (auditchain.Store, breaker.Store, scope.Store, func(), error) {
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		db, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closeFn := func() { _ = db.Close() }

		auditStore, err := store.NewPostgresAuditStore(db)
		if err != nil {
			closeFn()
			return nil, nil, nil, nil, err
		}
		scopeStore, err := store.NewPostgresScopeStore(db)
		if err != nil {
			closeFn()
			return nil, nil, nil, nil, err
		}

		var breakerStore breaker.Store
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				closeFn()
				return nil, nil, nil, nil, err
			}
			client := redis.NewClient(opts)
			breakerStore = store.NewRedisBreakerStore(client, "aegis:"+cfg.TenantID)
			prev := closeFn
			closeFn = func() { _ = client.Close(); prev() }
			logger.Info("breaker state on redis")
		} else {
			breakerStore, err = store.NewPostgresBreakerStore(db)
			if err != nil {
				closeFn()
				return nil, nil, nil, nil, err
			}
		}
		logger.Info("stores on postgres")
		return auditStore, breakerStore, scopeStore, closeFn, nil
	}

	path := cfg.DatabaseURL
	if path == "" {
		path = "aegis.db"
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closeFn := func() { _ = db.Close() }

	auditStore, err := store.NewSQLiteAuditStore(db)
	if err != nil {
		closeFn()
		return nil, nil, nil, nil, err
	}
	breakerStore, err := store.NewSQLiteBreakerStore(db)
	if err != nil {
		closeFn()
		return nil, nil, nil, nil, err
	}
	scopeStore, err := store.NewSQLiteScopeStore(db)
	if err != nil {
		closeFn()
		return nil, nil, nil, nil, err
	}
	logger.Info("stores on sqlite", "path", path)
	return auditStore, breakerStore, scopeStore, closeFn, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
