package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agent-bridge/bridge/internal/api"
	"github.com/agent-bridge/bridge/internal/audit"
	"github.com/agent-bridge/bridge/internal/auth"
	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/delivery"
	"github.com/agent-bridge/bridge/internal/dispatcher"
	"github.com/agent-bridge/bridge/internal/fallback"
	"github.com/agent-bridge/bridge/internal/gormstore"
	"github.com/agent-bridge/bridge/internal/metrics"
	"github.com/agent-bridge/bridge/internal/ptyadapter"
	"github.com/agent-bridge/bridge/internal/runtime"
	"github.com/agent-bridge/bridge/internal/supervisor"
	"github.com/agent-bridge/bridge/internal/trigger"
	"github.com/agent-bridge/bridge/internal/unread"
	"github.com/agent-bridge/bridge/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr   string
	workspaceID string
	dbDriver   string
	dbDSN      string
	logLevel   string
	dataDir    string

	authIssuer   string
	authAudience string
	authJWKSURL  string

	sessionStaleAfterHours int
	triggerMaxRetries      int
	postMessageMaxAttempts int

	tickInterval   time.Duration
	maxJobsPerTick int

	redisURL      string
	callbackURL   string
	resumeCommand string
	spawnCommand  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bridged",
		Short: "agent-bridge server — multi-agent thread coordination",
		Long: `bridged coordinates threads, messages, sessions and trigger
jobs for a single workspace. It exposes the MCP-style JSON-over-HTTP
protocol used by participating agents and runs the background
supervisor tick that reconciles unread state, runtime sessions,
fallback runs, and the trigger queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BRIDGE_HTTP_ADDR", ":8080"), "HTTP listen address (API_HOST/API_PORT)")
	root.PersistentFlags().StringVar(&cfg.workspaceID, "workspace-id", envOrDefault("BRIDGE_WORKSPACE_ID", ""), "the one workspace this instance serves (required)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BRIDGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BRIDGE_DATABASE_URL", "./bridge.db"), "DATABASE_URL: DB connection string or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BRIDGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BRIDGE_DATA_DIR", "./data"), "Directory holding the auth verifier's public key, if any")

	root.PersistentFlags().StringVar(&cfg.authIssuer, "auth-issuer", envOrDefault("BRIDGE_AUTH_ISSUER", ""), "AUTH_ISSUER (required)")
	root.PersistentFlags().StringVar(&cfg.authAudience, "auth-audience", envOrDefault("BRIDGE_AUTH_AUDIENCE", ""), "AUTH_AUDIENCE (required; the bundled verifier checks only the issuer — see DESIGN.md)")
	root.PersistentFlags().StringVar(&cfg.authJWKSURL, "auth-jwks-url", envOrDefault("BRIDGE_AUTH_JWKS_URL", ""), "AUTH_JWKS_URL (required; JWKS fetching is a non-goal — see DESIGN.md)")

	root.PersistentFlags().IntVar(&cfg.sessionStaleAfterHours, "session-stale-after-hours", envIntOrDefault("BRIDGE_SESSION_STALE_AFTER_HOURS", 12), "SESSION_STALE_AFTER_HOURS")
	root.PersistentFlags().IntVar(&cfg.triggerMaxRetries, "trigger-max-retries", envIntOrDefault("BRIDGE_TRIGGER_MAX_RETRIES", 2), "TRIGGER_MAX_RETRIES")
	root.PersistentFlags().IntVar(&cfg.postMessageMaxAttempts, "post-message-max-attempts", envIntOrDefault("BRIDGE_POST_MESSAGE_MAX_ATTEMPTS", 3), "POST_MESSAGE_MAX_ATTEMPTS")

	root.PersistentFlags().DurationVar(&cfg.tickInterval, "tick-interval", envDurationOrDefault("BRIDGE_TICK_INTERVAL", 5*time.Second), "supervisor tick cadence")
	root.PersistentFlags().IntVar(&cfg.maxJobsPerTick, "max-jobs-per-tick", envIntOrDefault("BRIDGE_MAX_JOBS_PER_TICK", 20), "supervisor max_jobs_per_tick")

	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("BRIDGE_REDIS_URL", ""), "REDIS_URL (optional leaky-bucket accelerator)")
	root.PersistentFlags().StringVar(&cfg.callbackURL, "callback-url", envOrDefault("BRIDGE_CALLBACK_URL", ""), "completion callback URL (empty disables callbacks)")
	root.PersistentFlags().StringVar(&cfg.resumeCommand, "resume-command", envOrDefault("BRIDGE_RESUME_COMMAND", ""), "space-separated command to resume a runtime session")
	root.PersistentFlags().StringVar(&cfg.spawnCommand, "spawn-command", envOrDefault("BRIDGE_SPAWN_COMMAND", ""), "space-separated command to spawn a fresh runtime session")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bridged %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.workspaceID == "" {
		return fmt.Errorf("workspace id is required — set --workspace-id or BRIDGE_WORKSPACE_ID")
	}
	if cfg.authIssuer == "" {
		return fmt.Errorf("auth issuer is required — set --auth-issuer or BRIDGE_AUTH_ISSUER")
	}
	if cfg.authAudience == "" {
		return fmt.Errorf("auth audience is required — set --auth-audience or BRIDGE_AUTH_AUDIENCE")
	}
	if cfg.authJWKSURL == "" {
		return fmt.Errorf("auth JWKS url is required — set --auth-jwks-url or BRIDGE_AUTH_JWKS_URL")
	}

	logger.Info("starting agent-bridge server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("workspace_id", cfg.workspaceID),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Stores ---
	threads := gormstore.NewThreadStore(gormDB)
	messages := gormstore.NewMessageStore(gormDB)
	cursors := gormstore.NewCursorStore(gormDB)
	sessions := gormstore.NewSessionStore(gormDB)
	triggers := gormstore.NewTriggerStore(gormDB)
	fallbackRuns := gormstore.NewFallbackStore(gormDB)
	auditStore := gormstore.NewAuditStore(gormDB)

	// --- 3. Auth ---
	// In development (no data dir or missing key file), ephemeral keys are
	// generated in memory. In production, a persistent public key file is
	// used so tokens issued by the upstream identity service verify across
	// restarts.
	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth verifier: %w", err)
	}

	// --- 4. Runtime session registry ---
	staleAfter := time.Duration(cfg.sessionStaleAfterHours) * time.Hour
	runtimeRegistry := runtime.New(sessions, staleAfter, logger)

	// --- 5. Delivery (runtime executor + fallback executor + callback sender) ---
	tmuxDeliverer := ptyadapter.NewTmuxDeliverer(5 * time.Second)
	collisionGate := delivery.NewCollisionGate()
	runtimeExec := delivery.NewExecutor(sessions, tmuxDeliverer, collisionGate, delivery.ExecutorConfig{
		QuietWindow: 20 * time.Second,
		RecheckMs:   5 * time.Second,
		MaxDefer:    60 * time.Second,
	})

	launcher := fallback.NewProcessLauncher(splitCommand(cfg.resumeCommand), splitCommand(cfg.spawnCommand))
	fallbackExec := fallback.NewExecutor(sessions, threads, fallbackRuns, launcher, fallback.DefaultConfig(), logger)
	fallbackRecon := fallback.NewReconciler(fallbackRuns, triggers, fallback.DefaultConfig(), logger)

	callbackSender := delivery.NewCallbackSender(func(job db.TriggerJob) string {
		return cfg.callbackURL
	})

	// --- 6. Trigger queue processor ---
	triggerCfg := trigger.Config{
		WorkspaceID:         cfg.workspaceID,
		MaxJobsPerTick:      cfg.maxJobsPerTick,
		Concurrency:         8,
		LeaseTimeout:        30 * time.Second,
		ExecutorTimeout:     10 * time.Second,
		RateLimitPerMinute:  120,
		CallbackMaxAttempts: 3,
		MaxRetries:          cfg.triggerMaxRetries,
	}
	processor := trigger.New(triggers, threads, messages, runtimeExec, fallbackExec, callbackSender, triggerCfg, logger)

	// --- 7. Unread reconciliation + auto-trigger scheduling ---
	unreadReconciler := unread.NewReconciler(threads, messages, cursors, sessions, staleAfter, logger)
	redisAccel := buildRedisClient(cfg.redisURL, logger)
	breaker := unread.NewBreaker(unread.DefaultBreakerConfig())
	bucket := unread.NewLeakyBucket(triggers, unread.DefaultBucketConfig(), redisAccel)
	unreadScheduler := unread.NewScheduler(triggers, breaker, bucket, unread.SchedulerConfig{
		Breaker:    unread.DefaultBreakerConfig(),
		Bucket:     unread.DefaultBucketConfig(),
		StaleAfter: staleAfter,
		MaxRetries: 5,
	}, logger)

	// --- 8. Metrics ---
	m := metrics.New()

	// --- 9. Supervisor tick ---
	superv, err := supervisor.New(
		supervisor.Config{WorkspaceID: cfg.workspaceID, TickInterval: cfg.tickInterval, TickTimeout: 30 * time.Second},
		unreadReconciler,
		unreadScheduler,
		runtimeRegistry,
		fallbackRecon,
		processor,
		m,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	if err := superv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	defer func() {
		if err := superv.Stop(); err != nil {
			logger.Warn("supervisor shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Audit + live event hub ---
	recorder := audit.New(auditStore, logger)

	hub := websocket.NewHub()
	go hub.Run(ctx)
	pub := api.NewHubPublisher(hub)

	// --- 11. Dispatcher ---
	dispatch := dispatcher.New(threads, messages, cursors, sessions, triggers, recorder, pub, dispatcher.Config{
		StaleAfter:             staleAfter,
		PostMessageMaxAttempts: cfg.postMessageMaxAttempts,
		TriggerMaxRetries:      cfg.triggerMaxRetries,
	}, logger)

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Dispatcher: dispatch,
		Verifier:   verifier,
		Threads:    threads,
		DB:         gormDB,
		Hub:        hub,
		Metrics:    m,
		Service:    "agent-bridge",
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agent-bridge server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agent-bridge server stopped")
	return nil
}

// buildVerifier loads an RSA public key from the data directory if
// available, or generates an ephemeral in-memory key pair for
// development. AUTH_AUDIENCE and AUTH_JWKS_URL are accepted as config
// inputs but are not yet enforced by auth.JWTVerifier — see DESIGN.md's
// note on the JWKS-fetching verifier being an out-of-scope collaborator.
func buildVerifier(cfg *config, logger *zap.Logger) (auth.Verifier, error) {
	pubPath := filepath.Join(cfg.dataDir, "auth_public.pem")

	if _, err := os.Stat(pubPath); err == nil {
		logger.Info("loading auth public key from disk", zap.String("path", pubPath))
		return auth.NewJWTVerifierFromFile(pubPath, cfg.authIssuer)
	}

	logger.Warn("auth public key file not found — using an ephemeral generated key pair (tokens signed elsewhere will not verify)",
		zap.String("expected_path", pubPath),
	)
	return auth.NewJWTVerifierGenerated(cfg.authIssuer)
}

// buildRedisClient parses url and returns a connected client, or nil if
// url is empty or unparseable — the leaky bucket treats a nil client as
// "accelerator unavailable" and falls back to its SQL path.
func buildRedisClient(url string, logger *zap.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid redis url, leaky-bucket acceleration disabled", zap.Error(err))
		return nil
	}
	return redis.NewClient(opts)
}

// splitCommand turns a space-separated command string into argv form, or
// nil if s is empty.
func splitCommand(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
