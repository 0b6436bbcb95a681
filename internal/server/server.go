// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/amondhq/billing/internal/account"
	"github.com/amondhq/billing/internal/billingkey"
	"github.com/amondhq/billing/internal/config"
	"github.com/amondhq/billing/internal/gateway"
	"github.com/amondhq/billing/internal/ledger"
	"github.com/amondhq/billing/internal/logging"
	"github.com/amondhq/billing/internal/metrics"
	"github.com/amondhq/billing/internal/scheduler"
	"github.com/amondhq/billing/internal/subscription"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	adapter      gateway.Adapter
	accounts     account.Directory
	keyService   *billingkey.Service
	subService   *subscription.Service
	ledService   *ledger.Service
	scheduler    *scheduler.Scheduler
	billingTimer *scheduler.Timer

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx context.CancelFunc

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

// WithAdapter sets a custom gateway adapter (for testing)
func WithAdapter(a gateway.Adapter) Option {
	return func(s *Server) {
		s.adapter = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Gateway adapter per configuration, unless injected
	if s.adapter == nil {
		adapter, err := buildAdapter(cfg)
		if err != nil {
			return nil, err
		}
		s.adapter = adapter
	}
	s.logger.Info("gateway adapter configured", "backend", s.adapter.Name())

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		keyStore billingkey.Store
		subStore subscription.Store
		ledStore ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgKeys := billingkey.NewPostgresStore(db)
		if err := pgKeys.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate billing key store", "error", err)
		}
		keyStore = pgKeys

		pgSubs := subscription.NewPostgresStore(db)
		if err := pgSubs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		subStore = pgSubs

		pgLedger := ledger.NewPostgresStore(db)
		if err := pgLedger.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payment ledger", "error", err)
		}
		ledStore = pgLedger

		directory := account.NewPostgresDirectory(db)
		if err := directory.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate account directory", "error", err)
		}
		s.accounts = directory
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		keyStore = billingkey.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		ledStore = ledger.NewMemoryStore()
		s.accounts = seededDirectory()
	}

	s.keyService = billingkey.NewService(keyStore, s.adapter, s.accounts, s.logger)
	s.subService = subscription.NewService(subStore, s.logger)
	s.ledService = ledger.NewService(ledStore, s.logger)

	s.scheduler = scheduler.New(scheduler.Config{
		MerchantID:    merchantLabel(cfg),
		BatchSize:     cfg.BatchSize,
		PacingDelay:   cfg.PacingDelay,
		ChargeTimeout: cfg.GatewayTimeout,
	}, subStore, s.keyService, s.ledService, s.accounts, s.adapter,
		scheduler.DefaultFailurePolicy(), s.logger)

	timer, err := scheduler.NewTimer(s.scheduler, cfg.BillingSchedule, s.logger)
	if err != nil {
		return nil, err
	}
	s.billingTimer = timer

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildAdapter constructs the gateway variant named in configuration.
func buildAdapter(cfg *config.Config) (gateway.Adapter, error) {
	switch cfg.GatewayBackend {
	case "direct":
		return gateway.NewDirectAdapter(gateway.DirectConfig{
			MerchantID: cfg.DirectMerchantID,
			APIKey:     cfg.DirectAPIKey,
			BaseURL:    cfg.DirectAPIURL,
			SiteURL:    cfg.DirectSiteURL,
			Timeout:    cfg.GatewayTimeout,
		}), nil
	case "aggregator":
		return gateway.NewAggregatorAdapter(gateway.AggregatorConfig{
			APIKey:    cfg.AggregatorAPIKey,
			APISecret: cfg.AggregatorAPISecret,
			BaseURL:   cfg.AggregatorAPIURL,
			Timeout:   cfg.GatewayTimeout,
		}), nil
	case "stripe":
		return gateway.NewStripeAdapter(cfg.StripeSecretKey), nil
	case "simulated":
		return gateway.NewSimulatedAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown gateway backend %q", cfg.GatewayBackend)
	}
}

// merchantLabel picks the order-number prefix for the configured backend.
func merchantLabel(cfg *config.Config) string {
	if cfg.DirectMerchantID != "" {
		return cfg.DirectMerchantID
	}
	return cfg.GatewayBackend
}

// seededDirectory gives demo mode a couple of usable accounts.
func seededDirectory() *account.MemoryDirectory {
	dir := account.NewMemoryDirectory()
	dir.Put("demo", gateway.Buyer{Name: "Demo User", Email: "demo@example.com", Tel: "01000000000"})
	return dir
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

// requireUser resolves the caller from the X-User-ID header the upstream API
// gateway sets after authenticating. This service never sees credentials.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing X-User-ID header",
			})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

// requireAdmin gates operator endpoints on the shared admin secret.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
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

	v1 := s.router.Group("/v1")

	// User-scoped routes
	user := v1.Group("")
	user.Use(requireUser())
	{
		// Registration composes billing keys and subscriptions, so it lives
		// here rather than in either domain handler.
		user.POST("/billing/keys", s.registerBillingKey)

		billingkey.NewHandler(s.keyService).RegisterRoutes(user)
		subscription.NewHandler(s.subService).RegisterRoutes(user)
		ledger.NewHandler(s.ledService).RegisterRoutes(user)
	}

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.POST("/billing/run", s.runBillingCycle)
	}
}

type registerKeyRequest struct {
	gateway.CardDetails
	// PlanType, when set, also starts a subscription on that plan if the
	// user has none.
	PlanType string `json:"planType,omitempty"`
}

// registerBillingKey handles POST /v1/billing/keys
func (s *Server) registerBillingKey(c *gin.Context) {
	userID := c.GetString("userID")

	var req registerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	key, err := s.keyService.Register(c.Request.Context(), userID, req.CardDetails)
	if err != nil {
		status := http.StatusBadGateway
		code := "gateway_error"
		switch {
		case errors.Is(err, account.ErrNotFound):
			status = http.StatusNotFound
			code = "unknown_user"
		case errors.Is(err, gateway.ErrDeclined), errors.Is(err, gateway.ErrInvalidBillingKey):
			status = http.StatusUnprocessableEntity
			code = "card_rejected"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	resp := gin.H{"billing_key": key}

	if req.PlanType != "" {
		if _, err := s.subService.ActiveForUser(c.Request.Context(), userID); errors.Is(err, subscription.ErrNotFound) {
			sub, err := s.subService.Create(c.Request.Context(), userID, req.PlanType)
			if err != nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":       "subscription_failed",
					"message":     err.Error(),
					"billing_key": key,
				})
				return
			}
			resp["subscription"] = sub
		}
	}

	c.JSON(http.StatusCreated, resp)
}

// runBillingCycle handles POST /v1/admin/billing/run
func (s *Server) runBillingCycle(c *gin.Context) {
	stats, err := s.scheduler.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "cycle_failed",
			"message": err.Error(),
			"stats":   stats,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"gateway":   s.adapter.Name(),
		"checks":    checks,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the billing timer, blocking until a
// shutdown signal arrives or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.adapter.Name(),
			"schedule", s.cfg.BillingSchedule,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.billingTimer.Start()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Wait for any in-flight billing cycle so claims are released cleanly.
	s.billingTimer.Stop()

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
