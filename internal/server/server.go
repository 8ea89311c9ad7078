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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/auth"
	"github.com/mbd888/autonomy/internal/config"
	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/health"
	"github.com/mbd888/autonomy/internal/idgen"
	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/internal/metrics"
	"github.com/mbd888/autonomy/internal/ratelimit"
	"github.com/mbd888/autonomy/internal/realtime"
	"github.com/mbd888/autonomy/internal/risk"
	"github.com/mbd888/autonomy/internal/security"
	"github.com/mbd888/autonomy/internal/traces"
	"github.com/mbd888/autonomy/internal/usage"
	"github.com/mbd888/autonomy/internal/validation"
	"github.com/mbd888/autonomy/internal/webhooks"
	"github.com/mbd888/autonomy/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *engine.Engine
	operators   *auth.Operators
	webhooks    *webhooks.Dispatcher
	webhookDB   webhooks.Store
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	engineOpts  []engine.Option

	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEngineOptions passes extra options to the engine (for testing)
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
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

	operators, err := auth.ParseOperators(cfg.OperatorTokens)
	if err != nil {
		return nil, fmt.Errorf("invalid OPERATOR_TOKENS: %w", err)
	}
	s.operators = operators
	if operators.Enabled() {
		s.logger.Info("operator authentication enabled", "operators", operators.Names())
	} else {
		s.logger.Warn("operator authentication disabled (no OPERATOR_TOKENS set)")
	}

	engineOpts := []engine.Option{engine.WithLogger(s.logger)}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		engineOpts = append(engineOpts,
			engine.WithApprovalStore(approval.NewPostgresStore(db)),
			engine.WithUsageStore(usage.NewPostgresStore(db)),
			engine.WithRiskStore(risk.NewPostgresStore(db)),
		)
		s.webhookDB = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (state is lost on restart)")
		s.webhookDB = webhooks.NewMemoryStore()
	}

	// Notification sinks
	s.webhooks = webhooks.NewDispatcher(s.webhookDB, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	engineOpts = append(engineOpts,
		engine.WithNotifier(s.webhooks),
		engine.WithNotifier(s.realtimeHub),
	)
	engineOpts = append(engineOpts, s.engineOpts...)

	eng, err := engine.New(cfg.EngineConfig(), engineOpts...)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng

	s.health = health.NewRegistry()
	s.health.Register(health.Running("engine", eng.IsRunning))
	if s.db != nil {
		s.health.Register(health.Database(s.db))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.operators))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Ready)
	s.router.GET("/health/live", s.health.Live)
	s.router.GET("/health/ready", s.health.Ready)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", auth.RequireOperator(s.operators), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireOperator(s.operators))

	v1.POST("/actions", s.routeAction)
	v1.POST("/actions/classify", s.classifyAction)

	v1.GET("/approvals", s.listApprovals)
	v1.GET("/approvals/:id", s.getApproval)
	v1.POST("/approvals/:id/approve", s.resolveApproval(approval.ResolutionApproved))
	v1.POST("/approvals/:id/reject", s.resolveApproval(approval.ResolutionRejected))

	v1.GET("/status", s.getStatus)
	v1.GET("/usage", s.getUsage)
	v1.PUT("/level", s.setLevel)
	v1.POST("/engine/start", s.startEngine)
	v1.POST("/engine/stop", s.stopEngine)

	v1.GET("/risk/assessments", s.listAssessments)

	webhooks.NewHandler(s.webhookDB, s.webhooks).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, "autonomy", s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.AutoStart {
		if err := s.engine.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start engine: %w", err)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"level", int(s.engine.Level()),
			"engineRunning", s.engine.IsRunning(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting actions first so readiness flips before the listener closes.
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error("engine stop error", "error", err)
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	s.closeDB()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the decision engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}
