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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mentorpay/mentorpay/internal/config"
	"github.com/mentorpay/mentorpay/internal/escrow"
	"github.com/mentorpay/mentorpay/internal/health"
	"github.com/mentorpay/mentorpay/internal/idgen"
	"github.com/mentorpay/mentorpay/internal/ledger"
	"github.com/mentorpay/mentorpay/internal/logging"
	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/paygate"
	"github.com/mentorpay/mentorpay/internal/payout"
	"github.com/mentorpay/mentorpay/internal/session"
	"github.com/mentorpay/mentorpay/internal/settlement"
	"github.com/mentorpay/mentorpay/internal/traces"
	"github.com/mentorpay/mentorpay/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	ledger          *ledger.Service
	escrowEngine    *escrow.Engine
	sessions        *session.Service
	sessionTimer    *session.Timer
	payouts         *payout.Service
	reconciler      *settlement.Reconciler
	settlementTimer *settlement.Timer
	gateway         paygate.Client
	healthReg       *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
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

// WithGateway sets a custom payment gateway client (for testing)
func WithGateway(g paygate.Client) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	// Payment gateway: real Stripe client in production, in-process fake
	// for demo mode
	if s.gateway == nil {
		if cfg.GatewayEnabled {
			s.gateway = paygate.NewStripeClient(cfg.GatewayKey, s.logger)
			s.logger.Info("payment gateway enabled")
		} else {
			s.gateway = paygate.NewFakeClient()
			s.logger.Info("payment gateway in demo mode (in-process fake)")
		}
	}

	destCrypto, err := payout.NewDestinationCrypto(cfg.PayoutEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize payout crypto: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore     ledger.Store
		escrowStore     escrow.Store
		sessionStore    session.Store
		payoutStore     payout.Store
		settlementStore settlement.Store
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
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		sessionStore = session.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		s.healthReg.Register("database", health.DBChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Services, bottom-up: ledger → escrow → sessions, payouts, settlements
	s.ledger = ledger.NewService(ledgerStore)
	s.escrowEngine = escrow.NewEngine(escrowStore, s.ledger, s.gateway, s.logger)

	s.sessions = session.NewService(sessionStore, s.escrowEngine, s.logger)
	if cfg.RequireFeedback {
		s.sessions = s.sessions.WithFeedbackGate()
		s.logger.Info("feedback gate enabled, releases held until both sides review")
	}
	s.sessionTimer = session.NewTimer(s.sessions, cfg.SessionTickInterval, s.logger)

	s.payouts = payout.NewService(payoutStore, s.ledger, s.gateway, destCrypto, cfg.MinPayoutAmount, cfg.MinPayoutFee, s.logger)

	s.reconciler = settlement.NewReconciler(settlementStore, s.ledger, s.gateway, s.logger)
	s.settlementTimer = settlement.NewTimer(s.reconciler, cfg.SettlementPollInterval, s.logger)

	s.healthReg.Register("session_timer", health.LoopChecker("session_timer", s.sessionTimer.Running))
	s.healthReg.Register("settlement_timer", health.LoopChecker("settlement_timer", s.settlementTimer.Running))

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
			requestID = idgen.Hex(8)
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards the admin surface with the shared admin secret.
// In development mode without a secret configured, admin routes are open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Order creation ahead of checkout, then payment confirmation from
	// the gateway callback: verify signature, lock escrow, schedule the
	// session.
	v1.POST("/bookings/:bookingId/order", s.createOrder)
	v1.POST("/bookings/:bookingId/payment", s.confirmPayment)

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowEngine)
	escrowHandler.RegisterRoutes(v1)

	sessionHandler := session.NewHandler(s.sessions)
	sessionHandler.RegisterRoutes(v1)

	payoutHandler := payout.NewHandler(s.payouts)
	payoutHandler.RegisterRoutes(v1)

	// Inbound gateway webhooks (signature-verified, not admin-guarded)
	webhookHandler := webhooks.NewHandler(s.cfg.WebhookSecret, s.payouts, s.reconciler, s.logger)
	webhookHandler.RegisterRoutes(v1)

	// Admin surface
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		ledgerHandler.RegisterAdminRoutes(admin)
		escrowHandler.RegisterAdminRoutes(admin)
		payoutHandler.RegisterAdminRoutes(admin)

		settlementHandler := settlement.NewHandler(s.reconciler)
		settlementHandler.RegisterAdminRoutes(admin)
	}
}

// createOrderRequest asks the gateway to open a checkout order.
type createOrderRequest struct {
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency"`
}

// createOrder handles POST /v1/bookings/:bookingId/order
//
// The order id it returns is what the client pays against; the payment
// confirmation signature covers it. Retried calls reuse the same order
// via the gateway's idempotency key.
func (s *Server) createOrder(c *gin.Context) {
	bookingID := c.Param("bookingId")

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
		return
	}

	ctx := c.Request.Context()
	orderID, err := s.gateway.CreateOrder(ctx, req.Amount, req.Currency, bookingID)
	if err != nil {
		logging.L(ctx).Error("failed to create gateway order", "bookingId", bookingID, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, paygate.ErrRejected) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{
			"error":   "order_failed",
			"message": "Failed to create payment order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"orderId": orderID, "bookingId": bookingID, "amount": req.Amount})
}

// confirmPaymentRequest is the gateway checkout callback body. OrderID
// is the id createOrder returned; the signature covers orderId|paymentId.
type confirmPaymentRequest struct {
	OrderID        string    `json:"orderId" binding:"required"`
	PaymentID      string    `json:"paymentId" binding:"required"`
	Signature      string    `json:"signature" binding:"required"`
	AspirantID     string    `json:"aspirantId" binding:"required"`
	AchieverID     string    `json:"achieverId" binding:"required"`
	Amount         int64     `json:"amount" binding:"required"`
	ScheduledStart time.Time `json:"scheduledStart" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduledEnd" binding:"required"`
}

// confirmPayment handles POST /v1/bookings/:bookingId/payment
//
// This is the entry point of the money pipeline: the gateway signature
// proves the charge happened, then funds are locked and the session is
// scheduled. Safe to retry; both steps are idempotent by booking.
func (s *Server) confirmPayment(c *gin.Context) {
	bookingID := c.Param("bookingId")

	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId, paymentId, signature, participants, amount and schedule are required",
		})
		return
	}

	if !paygate.VerifySignature(s.cfg.GatewaySecret, req.OrderID, req.PaymentID, req.Signature) {
		metrics.WebhookRejectedTotal.Inc()
		logging.L(c.Request.Context()).Warn("payment confirmation rejected, bad signature",
			"bookingId", bookingID)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Payment signature verification failed",
		})
		return
	}

	ctx := c.Request.Context()

	esc, err := s.escrowEngine.Lock(ctx, bookingID, req.AspirantID, req.AchieverID, req.Amount, req.PaymentID)
	if err != nil {
		if errors.Is(err, escrow.ErrDuplicateEscrow) {
			// Retried confirmation: report the existing state.
			esc, getErr := s.escrowEngine.Get(ctx, bookingID)
			if getErr == nil {
				c.JSON(http.StatusOK, gin.H{"escrow": esc, "duplicate": true})
				return
			}
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_payment",
				"message": "Payment already confirmed for this booking",
			})
			return
		}
		if errors.Is(err, escrow.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("failed to lock escrow", "bookingId", bookingID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to lock payment in escrow",
		})
		return
	}

	sess, err := s.sessions.Schedule(ctx, session.ScheduleRequest{
		BookingID:      bookingID,
		AspirantID:     req.AspirantID,
		AchieverID:     req.AchieverID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil && !errors.Is(err, session.ErrDuplicateSession) {
		// Escrow is locked but the session record failed; the retry of
		// this callback recreates it (escrow lock is a no-op then).
		logging.L(ctx).Error("failed to schedule session", "bookingId", bookingID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "schedule_failed",
			"message": "Payment locked but session scheduling failed, retry the confirmation",
		})
		return
	}
	if sess == nil {
		sess, _ = s.sessions.GetByBooking(ctx, bookingID)
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": esc, "session": sess})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "MentorPay",
		"description": "Escrow ledger and session settlement for the mentorship platform",
		"version":     "0.1.0",
		"currency":    "INR",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start background loops
	s.sessionTimer.Start()
	s.settlementTimer.Start()

	// Collect DB pool stats
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sessionTimer.Stop()
	s.settlementTimer.Stop()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
