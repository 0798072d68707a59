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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/rentledger/internal/arrears"
	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/booking"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/escrow"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/health"
	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/metrics"
	"github.com/mbd888/rentledger/internal/provider"
	"github.com/mbd888/rentledger/internal/ratelimit"
	"github.com/mbd888/rentledger/internal/realtime"
	"github.com/mbd888/rentledger/internal/reconciliation"
	"github.com/mbd888/rentledger/internal/security"
	"github.com/mbd888/rentledger/internal/settlement"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/traces"
	"github.com/mbd888/rentledger/internal/validation"
	"github.com/mbd888/rentledger/internal/webhooks"
	"github.com/mbd888/rentledger/internal/worker"
	"github.com/mbd888/rentledger/migrations"
)

// Version is reported by /health and attached to traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	store   store.Store
	db      *sql.DB // nil if using in-memory
	gateway provider.Gateway
	sandbox *provider.Sandbox // set only for PROVIDER=sandbox
	stripe  *provider.StripeGateway
	// resilient wraps gateway; its breaker state feeds /health.
	resilient *provider.Resilient

	ledger       *ledger.Service
	bookings     *booking.Service
	payments     *settlement.Service
	escrow       *escrow.Service
	arrears      *arrears.Service
	reconciler   *reconciliation.Runner
	scheduler    *reconciliation.Scheduler
	bookingTimer *worker.Periodic
	paymentTimer *worker.Periodic

	publisher   events.Publisher
	realtimeHub *realtime.Hub
	kafka       *events.KafkaSink
	alerts      *events.Async

	tokens      *auth.TokenManager
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	shutdownTracing func(context.Context) error
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

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

// WithStore overrides storage selection (for testing).
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithGateway overrides the payment provider (for testing). It is still
// wrapped in the resilient client.
func WithGateway(gw provider.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
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

	shutdownTracing, err := traces.Init(ctx, traces.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	if err := s.initEvents(); err != nil {
		return nil, err
	}
	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.health = health.NewRegistry(2 * time.Second)
	s.health.RegisterPing("store", s.store.Ping)
	// Three missed default runs before readiness flips.
	s.health.RegisterFreshness("reconciliation", 9*time.Hour, s.reconciler.LastSuccess)
	// Informational: every instance shares the provider, so an open circuit
	// must not take this one out of rotation.
	s.health.Register("payment_provider", func(context.Context) health.Status {
		if open := s.resilient.OpenCircuits(); len(open) > 0 {
			return health.Status{Healthy: true, Detail: "circuit open: " + strings.Join(open, ",")}
		}
		return health.Status{Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStore picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = store.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}
	s.db = db
	s.store = store.NewPostgresStore(db, store.WithLockTimeout(s.cfg.BookingLockTimeout))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initEvents builds the sink fan-out. Sinks are appended only when configured.
func (s *Server) initEvents() error {
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []events.Sink{s.realtimeHub}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, s.kafka)
		s.logger.Info("kafka event sink enabled", "topic", s.cfg.KafkaTopic)
	}

	if s.cfg.AlertWebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateEndpointURL(context.Background(), s.cfg.AlertWebhookURL, nil); err != nil {
				return fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
			}
		}
		hook := events.Only(webhooks.NewSink(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret),
			events.ReconciliationAnomaly,
			events.PaymentRefunded,
			events.BalanceResynced,
		)
		s.alerts = events.NewAsync(hook, 256, s.logger)
		sinks = append(sinks, s.alerts)
		s.logger.Info("alert webhook enabled")
	}

	s.publisher = events.NewMulti(s.logger, sinks...)
	return nil
}

func (s *Server) initServices() error {
	cfg := s.cfg

	s.ledger = ledger.New(s.store, s.logger, ledger.WithPublisher(s.publisher))

	s.bookings = booking.NewService(s.store, s.ledger, cfg.Policy, s.logger,
		booking.WithLockWait(cfg.BookingLockTimeout),
		booking.WithHoldTTL(cfg.BookingHoldTTL),
		booking.WithPlatformAccount(cfg.PlatformAccountID),
		booking.WithPublisher(s.publisher),
	)
	s.bookingTimer = booking.NewTimer(s.bookings, s.logger)

	if s.gateway == nil {
		switch cfg.Provider {
		case "stripe":
			s.stripe = provider.NewStripeGateway(provider.StripeConfig{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				SuccessURL:    cfg.CheckoutSuccessURL,
				CancelURL:     cfg.CheckoutCancelURL,
			})
			s.gateway = s.stripe
		default:
			s.sandbox = provider.NewSandbox("http://localhost:" + cfg.Port + "/sandbox")
			s.gateway = s.sandbox
		}
	}
	if sb, ok := s.gateway.(*provider.Sandbox); ok {
		s.sandbox = sb
	}
	s.logger.Info("payment provider configured", "provider", s.gateway.Name())
	gw := provider.NewResilient(s.gateway, cfg.ProviderTimeout, s.logger)
	s.resilient = gw

	s.payments = settlement.NewService(s.store, s.ledger, s.bookings, gw, cfg.Policy, s.logger,
		settlement.WithPlatformAccount(cfg.PlatformAccountID),
		settlement.WithPublisher(s.publisher),
	)
	s.paymentTimer = settlement.NewTimer(s.payments, cfg.PaymentSweepAge, s.logger)

	s.escrow = escrow.NewService(s.store, s.ledger, s.logger, escrow.WithPublisher(s.publisher))
	s.arrears = arrears.NewService(s.store, cfg.Policy.Arrears)

	s.reconciler = reconciliation.NewRunner(s.store, s.logger, reconciliation.WithPublisher(s.publisher))
	sched, err := reconciliation.NewScheduler(s.reconciler, cfg.ReconcileSchedule, s.logger)
	if err != nil {
		return err
	}
	s.scheduler = sched

	s.tokens = auth.NewTokenManager(cfg.JWTSecret, "rentledger")
	return nil
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Keyed by user, so this runs on /v1 after the token is verified.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/v1/payments/callback", "/v1/payments/stripe/webhook"},
		KeyFunc:           auth.UserKey,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Operator event stream
	s.router.GET("/ws", auth.Middleware(s.tokens), auth.RequireRole(auth.RoleAdmin), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Reconciliation trigger, bearer-secret protected and off the public API
	reconciliation.NewHandler(s.reconciler, s.cfg.ReconcileSecret).RegisterRoutes(s.router.Group("/internal"))

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.tokens))
	v1.Use(s.rateLimiter.Middleware())

	bookingHandler := booking.NewHandler(s.bookings)
	var stripe settlement.WebhookParser
	if s.stripe != nil {
		stripe = s.stripe
	}
	paymentHandler := settlement.NewHandler(s.payments, stripe)

	// Public: quotes and provider callbacks
	bookingHandler.RegisterRoutes(v1)
	paymentHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	bookingHandler.RegisterProtectedRoutes(protected)
	paymentHandler.RegisterProtectedRoutes(protected)
	escrow.NewHandler(s.escrow).RegisterProtectedRoutes(protected)
	arrears.NewHandler(s.arrears).RegisterProtectedRoutes(protected)

	walletHandler := ledger.NewHandler(s.ledger)
	walletHandler.RegisterRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin))
	walletHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
	if s.sandbox != nil && !s.cfg.IsProduction() {
		admin.POST("/sandbox/payments/:txId/complete", validation.IDParamMiddleware("txId"), s.completeSandboxPayment)
	}
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	if ok, statuses := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"provider", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.bookingTimer.Start(runCtx)
	go s.paymentTimer.Start(runCtx)
	s.scheduler.Start()

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.scheduler.Stop(ctx)
	s.bookingTimer.Stop()
	s.paymentTimer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background jobs stopped")

	if s.alerts != nil {
		s.alerts.Close()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
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

// Tokens returns the token manager, for issuing tokens in tests and tools.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}

// Reconciler exposes the reconciliation runner for one-shot batch use.
func (s *Server) Reconciler() *reconciliation.Runner {
	return s.reconciler
}
