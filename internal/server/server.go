// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/crewmarket/riskguard/internal/anomaly"
	"github.com/crewmarket/riskguard/internal/circuitbreaker"
	"github.com/crewmarket/riskguard/internal/config"
	"github.com/crewmarket/riskguard/internal/counter"
	"github.com/crewmarket/riskguard/internal/gate"
	"github.com/crewmarket/riskguard/internal/health"
	"github.com/crewmarket/riskguard/internal/logging"
	"github.com/crewmarket/riskguard/internal/metrics"
	"github.com/crewmarket/riskguard/internal/notify"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/profile"
	"github.com/crewmarket/riskguard/internal/ratelimit"
	"github.com/crewmarket/riskguard/internal/retention"
	"github.com/crewmarket/riskguard/internal/risk"
	"github.com/crewmarket/riskguard/internal/security"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/traces"
	"github.com/crewmarket/riskguard/internal/validation"
	"github.com/crewmarket/riskguard/internal/velocity"
)

// Version is reported by /health. Set by cmd/server from build flags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the risk engine components
type Server struct {
	cfg    *config.Config
	policy *policy.Manager

	db          *sql.DB               // nil if using in-memory
	redis       redis.UniversalClient // nil if using in-memory
	ownsRedis   bool
	memCounters *counter.MemoryStore // set only without Redis

	counters  counter.Store
	signals   signals.Store
	locations anomaly.LocationStore
	devices   anomaly.DeviceStore
	profiles  profile.Source
	cache     risk.Cache
	audit     gate.AuditStore

	limiter  *velocity.Limiter
	detector *anomaly.Detector
	scorer   *risk.Scorer
	gate     *gate.Gate
	alerts   *notify.Dispatcher

	retention   *retention.Timer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRedisClient injects a Redis client instead of dialing REDIS_URL.
// The caller keeps ownership of the client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithPolicyManager injects a policy manager instead of loading POLICY_FILE.
func WithPolicyManager(m *policy.Manager) Option {
	return func(s *Server) {
		s.policy = m
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if s.policy == nil {
		m, err := policy.NewManager(cfg.PolicyFile, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load risk policy: %w", err)
		}
		s.policy = m
	}
	s.policy.OnReload(func(p *policy.Policy) {
		metrics.PolicyReloadsTotal.WithLabelValues("applied").Inc()
		s.logger.Info("risk policy active", "version", p.Version)
	})
	s.logger.Info("risk policy loaded", "version", s.policy.Current().Version, "file", cfg.PolicyFile)

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	s.setupEngine()
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage picks Postgres and Redis backends when configured and
// in-memory stores otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.signals = signals.NewInstrumented(signals.NewPostgresStore(db), "signals_pg")
		s.locations = anomaly.NewPostgresLocationStore(db)
		s.devices = anomaly.NewPostgresDeviceStore(db)
		s.profiles = profile.NewPostgresSource(db)
		s.audit = gate.NewPostgresAuditStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.signals = signals.NewInstrumented(signals.NewMemoryStore(), "signals_memory")
		s.locations = anomaly.NewMemoryLocationStore()
		s.devices = anomaly.NewMemoryDeviceStore()
		s.profiles = profile.NewMemorySource()
		s.audit = gate.NewMemoryAuditStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.redis == nil && s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.ownsRedis = true
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			// Counters fail through the breaker; the gate degrades per request.
			s.logger.Warn("redis not reachable at startup", "error", err)
		}
		breaker := circuitbreaker.New("counter_redis", 5, 30*time.Second, s.logger)
		s.counters = counter.NewGuarded(counter.NewRedisStore(s.redis), breaker)
		s.cache = risk.NewRedisCache(s.redis)
		s.logger.Info("using Redis for velocity counters and score cache")
	} else {
		s.memCounters = counter.NewMemoryStore()
		s.counters = s.memCounters
		s.cache = risk.NewMemoryCache()
		s.logger.Info("using in-process velocity counters (single instance only)")
	}
	return nil
}

func (s *Server) setupEngine() {
	s.limiter = velocity.New(s.policy, s.counters, s.signals, s.logger)
	s.detector = anomaly.NewDetector(s.policy, s.locations, s.devices, s.signals, s.logger)
	s.scorer = risk.NewScorer(s.policy, s.signals, s.profiles, s.devices, s.cache, s.logger)

	var notifier notify.Notifier
	if s.cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret)
		s.logger.Info("admin notifications via webhook", "url", s.cfg.NotifyWebhookURL)
	} else {
		notifier = notify.NewLogNotifier(s.logger)
		s.logger.Info("admin notifications via log (no NOTIFY_WEBHOOK_URL set)")
	}
	s.alerts = notify.NewDispatcher(notifier, s.cfg.NotifyQueueSize, s.cfg.NotifyWorkers, s.logger)
	s.alerts.Start()

	s.gate = gate.New(s.policy, s.limiter, s.detector, s.scorer, s.audit, s.alerts, s.logger)

	s.retention = retention.NewTimer(s.policy, s.locations, s.devices, s.cfg.RetentionInterval, s.logger)
	if s.memCounters != nil {
		s.retention.WithCounters(s.memCounters)
	}
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("counters", health.PingChecker("counters", s.counters))
	if s.db != nil {
		s.health.Register("postgres", health.PingChecker("postgres", health.PingFunc(s.db.PingContext)))
	}
	if s.redis != nil {
		s.health.Register("redis", health.PingChecker("redis", health.PingFunc(func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(otelgin.Middleware("riskguard"))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rl.BurstSize = 2 * s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Engine calls from trusted services
	engine := v1.Group("")
	engine.Use(s.adminAuth())
	{
		engine.POST("/evaluate", s.evaluateHandler)
		engine.POST("/check", s.checkHandler)
	}

	// Review and audit
	admin := v1.Group("")
	admin.Use(s.adminAuth())
	{
		admin.POST("/signals", s.createSignalHandler)
		admin.POST("/signals/:id/resolve", s.resolveSignalHandler)
		admin.GET("/policy", s.policyHandler)

		subjects := admin.Group("/subjects/:id")
		subjects.Use(validation.SubjectParamMiddleware("id"))
		subjects.GET("/decisions", s.listDecisionsHandler)
		subjects.GET("/signals", s.listSignalsHandler)
		subjects.GET("/devices", s.listDevicesHandler)
		subjects.GET("/score", s.scoreHandler)
		subjects.GET("/velocity/:action", s.velocityHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until ctx is
// cancelled, a shutdown signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "policy_version", s.policy.Current().Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.retention.Start(gctx)
		return nil
	})

	s.policy.Watch()

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received")
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	if !s.healthy.CompareAndSwap(true, false) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 && s.httpSrv != nil {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.retention.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush queued admin notifications
	if err := s.alerts.Close(ctx); err != nil {
		s.logger.Warn("notification queue not drained", "error", err)
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}

	if s.redis != nil && s.ownsRedis {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Gate returns the decision gate, for embedding gate.Middleware in front of
// application routes served by the same process.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Profiles returns the subject profile source.
func (s *Server) Profiles() profile.Source {
	return s.profiles
}
