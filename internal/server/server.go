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

	"github.com/mbd888/tixpay/internal/audit"
	"github.com/mbd888/tixpay/internal/challenge"
	"github.com/mbd888/tixpay/internal/config"
	"github.com/mbd888/tixpay/internal/escrow"
	"github.com/mbd888/tixpay/internal/events"
	"github.com/mbd888/tixpay/internal/health"
	"github.com/mbd888/tixpay/internal/logging"
	"github.com/mbd888/tixpay/internal/metrics"
	"github.com/mbd888/tixpay/internal/secretbox"
	"github.com/mbd888/tixpay/internal/settlement"
	"github.com/mbd888/tixpay/internal/stellar"
	"github.com/mbd888/tixpay/internal/traces"
)

// Ledger is everything the process needs from the ledger client.
type Ledger interface {
	settlement.Ledger
	settlement.PaymentStreamer
	escrow.Ledger
	Ping(ctx context.Context) error
}

var _ Ledger = (*stellar.Client)(nil)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	ledger Ledger
	lookup events.Lookup

	settlement  *settlement.Service
	watcher     *settlement.Watcher
	challenge   *challenge.Service
	nonceStore  challenge.NonceStore
	provisioner *escrow.Provisioner
	auditSink   audit.Sink
	amqpSink    *audit.AMQPSink
	health      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(l Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithEventLookup sets the event source. Without it events come from
// Postgres, or an empty in-memory store when no database is configured.
func WithEventLookup(l events.Lookup) Option {
	return func(s *Server) {
		s.lookup = l
	}
}

// WithNonceStore sets the challenge nonce store (for testing)
func WithNonceStore(ns challenge.NonceStore) Option {
	return func(s *Server) {
		s.nonceStore = ns
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.ledger == nil {
		s.ledger = stellar.New(stellar.Config{
			HorizonURL:        cfg.HorizonURL,
			NetworkPassphrase: cfg.NetworkPassphrase,
			Timeout:           cfg.LedgerTimeout,
		}, stellar.WithLogger(s.logger))
	}
	s.health.Register("ledger", health.Ping("ledger", health.DefaultTimeout, s.ledger.Ping))

	var (
		paymentStore settlement.Store
		escrowStore  escrow.Store
		sinks        = audit.Multi{audit.NewLogSink(s.logger)}
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		paymentStore = settlement.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		sinks = append(sinks, audit.NewPostgresSink(db))
		if s.lookup == nil {
			s.lookup = events.NewPostgresStore(db)
		}
		s.health.Register("database", health.Ping("database", health.DefaultTimeout, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		paymentStore = settlement.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		if s.lookup == nil {
			s.lookup = events.NewMemoryStore()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Nonce store: Redis if REDIS_URL set, otherwise in-memory
	if s.nonceStore == nil {
		if cfg.RedisURL != "" {
			rs, err := challenge.NewRedisStoreFromURL(cfg.RedisURL)
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("failed to configure redis: %w", err)
			}
			s.nonceStore = rs
			s.health.Register("redis", health.Ping("redis", health.DefaultTimeout, rs.Ping))
			s.logger.Info("using redis nonce store")
		} else {
			s.nonceStore = challenge.NewMemoryStore()
		}
	}

	// Audit fan-out over AMQP
	if cfg.AMQPURL != "" {
		as, err := audit.DialAMQPSink(cfg.AMQPURL, cfg.AuditExchange)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		s.amqpSink = as
		sinks = append(sinks, as)
		s.logger.Info("audit fan-out enabled", "exchange", cfg.AuditExchange)
	}
	s.auditSink = sinks

	s.settlement = settlement.NewService(paymentStore, s.lookup, s.ledger, s.auditSink, settlement.Config{
		EscrowWallet:    cfg.EscrowWallet,
		SupportedAssets: cfg.SupportedAssets,
	}, s.logger)

	if cfg.AutoConfirm {
		s.watcher = settlement.NewWatcher(s.ledger, s.settlement, cfg.EscrowWallet, s.logger)
		s.logger.Info("payment watcher configured", "wallet", cfg.EscrowWallet)
	}

	s.challenge = challenge.NewService(s.nonceStore, cfg.NonceTTL, s.logger)

	if cfg.EscrowEnabled() {
		funding, err := fundingSecret(cfg)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		manager := escrow.NewManager(s.ledger, cfg.NetworkPassphrase, s.logger)
		s.provisioner = escrow.NewProvisioner(manager, escrowStore, escrow.ProvisionerConfig{
			CipherSecret:    cfg.CipherSecret,
			FundingSecret:   funding,
			StartingBalance: cfg.StartingBalance,
		}, s.logger)
		s.logger.Info("escrow accounts enabled", "funding", funding != "")
		if !cfg.EscrowRoutesEnabled() {
			s.logger.Warn("ADMIN_SECRET not set, escrow routes disabled")
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// fundingSecret decrypts the funding account seed once at start.
func fundingSecret(cfg *config.Config) (string, error) {
	if cfg.FundingSecretEncrypted == "" {
		return "", nil
	}
	secret, err := secretbox.Decrypt(cfg.FundingSecretEncrypted, cfg.CipherSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt funding secret: %w", err)
	}
	return secret, nil
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

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	settlement.NewHandler(s.settlement).RegisterRoutes(v1)
	challenge.NewHandler(s.challenge).RegisterRoutes(v1)
	if s.provisioner != nil && s.cfg.EscrowRoutesEnabled() {
		admin := v1.Group("", requireAdmin(s.cfg.AdminSecret))
		escrow.NewHandler(s.provisioner).RegisterRoutes(admin)
	}
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

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
			"escrow_wallet", s.cfg.EscrowWallet,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.watcher != nil {
		s.watcher.Start(runCtx)
	}

	if ms, ok := s.nonceStore.(*challenge.MemoryStore); ok {
		go ms.Sweep(runCtx, time.Minute)
	}

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.stopBackground()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("payment watcher stopped")
	}

	if rs, ok := s.nonceStore.(*challenge.RedisStore); ok {
		if err := rs.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.amqpSink != nil {
		if err := s.amqpSink.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
