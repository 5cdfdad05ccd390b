// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/huntboard/huntboard/internal/admin"
	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/circuitbreaker"
	"github.com/huntboard/huntboard/internal/config"
	"github.com/huntboard/huntboard/internal/escrow"
	"github.com/huntboard/huntboard/internal/health"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/logging"
	"github.com/huntboard/huntboard/internal/metrics"
	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/ratelimit"
	"github.com/huntboard/huntboard/internal/realtime"
	"github.com/huntboard/huntboard/internal/reconciliation"
	"github.com/huntboard/huntboard/internal/security"
	"github.com/huntboard/huntboard/internal/settlement"
	"github.com/huntboard/huntboard/internal/task"
	"github.com/huntboard/huntboard/internal/validation"
	"github.com/huntboard/huntboard/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	wallet         *wallet.Service
	ledger         *ledger.Service
	boxStore       outbox.Store
	worker         *outbox.Worker
	archiver       *outbox.Archiver
	escrowService  *escrow.Service
	settlement     *settlement.Engine
	controller     *task.Controller
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	proc           processor.Processor
	payouts        processor.PayoutAccounts
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithProcessor sets a custom payment processor (for testing)
func WithProcessor(proc processor.Processor, payouts processor.PayoutAccounts) Option {
	return func(s *Server) {
		s.proc = proc
		s.payouts = payouts
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set processor/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore ledger.Store
		walletStore wallet.Store
		taskStore   task.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgBox := outbox.NewPostgresStore(db)
		s.boxStore = pgBox
		ledgerStore = ledger.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		taskStore = task.NewPostgresStore(db, pgBox)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		memBox := outbox.NewMemoryStore()
		s.boxStore = memBox
		ledgerStore = ledger.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		taskStore = task.NewMemoryStore(memBox)
		s.logger.Warn("using in-memory storage (data is not persisted)")
	}

	// Payment processor (Stripe when configured, simulated otherwise)
	if s.proc == nil {
		if cfg.StripeAPIKey != "" {
			stripe := processor.NewStripe(cfg.StripeAPIKey, cfg.Currency)
			s.proc = stripe
			s.payouts = stripe
			s.logger.Info("using Stripe payment processor", "currency", cfg.Currency)
		} else {
			sim := processor.NewSim()
			s.proc = sim
			s.payouts = sim
			s.logger.Warn("using simulated payment processor")
		}
	}

	// Core services
	breaker := circuitbreaker.New(5, 30*time.Second)
	alerts := alerting.New(s.logger, cfg.AlertWebhookURL)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.wallet = wallet.New(walletStore)
	s.ledger = ledger.New(ledgerStore)
	s.escrowService = escrow.NewService(s.ledger, s.wallet, s.proc, breaker, s.logger)
	s.settlement = settlement.NewEngine(s.ledger, s.wallet, s.proc, s.payouts,
		task.NewSettlementTasks(taskStore), s.boxStore, breaker, alerts, s.realtimeHub,
		settlement.Config{FeeBps: cfg.PlatformFeeBps, PlatformAccountID: cfg.PlatformAccountID},
		s.logger)
	s.controller = task.NewController(taskStore, s.escrowService, s.settlement, s.logger)

	// Outbox delivery worker plus the archiver that prunes old events
	workerCfg := outbox.DefaultWorkerConfig()
	if cfg.OutboxPollInterval > 0 {
		workerCfg.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		workerCfg.BatchSize = cfg.OutboxBatchSize
	}
	s.worker = outbox.NewWorker(s.boxStore, workerCfg, alerts, s.logger)
	s.settlement.Register(s.worker)
	s.archiver = outbox.NewArchiver(s.boxStore, cfg.OutboxRetention, s.logger)

	// Reconciliation safety net
	s.reconciler = reconciliation.NewRunner(ledgerStore, s.wallet, s.boxStore, alerts, s.logger)
	s.reconcileTimer = reconciliation.NewTimerWithInterval(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.checks.Register("outbox_worker", func(ctx context.Context) health.Status {
		if !s.worker.Running() {
			return health.Status{Name: "outbox_worker", Healthy: false, Detail: "worker not running"}
		}
		return health.Status{Name: "outbox_worker", Healthy: true}
	})

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limitCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time task and settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	task.NewHandler(s.controller, s.logger).RegisterRoutes(v1)
	wallet.NewHandler(s.wallet, s.logger).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1)

	// Development-only wallet top-up so the full flow can be exercised
	// without a real processor in front
	if s.cfg.IsDevelopment() {
		v1.POST("/dev/wallets/:id/credit", s.devCreditHandler)
	}

	// Operator routes (shared-secret protected)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(admin.SecretMiddleware(s.cfg.AdminSecret))
	outbox.NewAdminHandler(s.boxStore, s.logger).RegisterRoutes(adminGroup)
	admin.NewHandler(s.reconciler).RegisterRoutes(adminGroup)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// devCreditHandler handles POST /dev/wallets/:id/credit
func (s *Server) devCreditHandler(c *gin.Context) {
	var req struct {
		AmountCents int64 `json:"amountCents" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountCents is required",
		})
		return
	}
	if req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountCents must be greater than zero",
		})
		return
	}

	balance, err := s.wallet.Credit(c.Request.Context(), c.Param("id"), req.AmountCents)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "credit_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, balance)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start outbox delivery worker
	go s.worker.Start(runCtx)

	// Start outbox archiver
	go s.archiver.Start(runCtx)

	// Start periodic reconciliation
	go s.reconcileTimer.Start(runCtx)

	// Collect database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, worker, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop outbox worker
	s.worker.Stop()
	s.logger.Info("outbox worker stopped")

	// Stop archiver
	s.archiver.Stop()

	// Stop reconciliation timer
	s.reconcileTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
