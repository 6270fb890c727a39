// Package server wires configuration, stores, engines and HTTP routes into
// a runnable service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/yudhap/blastgate/internal/config"
	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/ledger"
	"github.com/yudhap/blastgate/internal/logging"
	"github.com/yudhap/blastgate/internal/metrics"
	"github.com/yudhap/blastgate/internal/ratelimit"
	"github.com/yudhap/blastgate/internal/revenue"
	"github.com/yudhap/blastgate/internal/rules"
	"github.com/yudhap/blastgate/internal/scoring"
	"github.com/yudhap/blastgate/internal/traces"
)

const (
	suspensionSweepInterval = 10 * time.Minute
	bucketGCTTL             = 24 * time.Hour
	bucketGCInterval        = time.Hour
	dbStatsInterval         = 15 * time.Second
	shutdownTimeout         = 10 * time.Second
)

// Server owns all wired components and the HTTP listener
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	db     *sql.DB // nil in memory mode

	sweeper    *scoring.Worker
	bucketGC   *ratelimit.GC
	stopTraces func(context.Context) error
}

// New builds a fully wired server. With DATABASE_URL set, all stores run
// on Postgres; without it everything is in-memory, which is the demo and
// test mode.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, stopTraces: stopTraces}

	var (
		ruleStore    rules.Store
		scoreStore   scoring.Store
		bucketStore  ratelimit.Store
		eventStore   ledger.EventStore
		revenueStore revenue.Store
		wallet       *ledger.Wallet
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		ruleStore = rules.NewPostgresStore(db)
		scoreStore = scoring.NewPostgresStore(db)
		bucketStore = ratelimit.NewPostgresStore(db)
		eventStore = ledger.NewEventPostgresStore(db)
		wallet = ledger.New(ledger.NewPostgresStore(db), eventStore, logger)
		revenueStore = revenue.NewPostgresStore(db)
		logger.Info("using postgres stores")
	} else {
		memRules := rules.NewMemoryStore()
		// Environment scoring knobs only apply in memory mode; a Postgres
		// deployment manages scoring through the admin rules endpoints.
		if err := memRules.SaveScoring(ctx, scoringFromConfig(cfg)); err != nil {
			return nil, fmt.Errorf("seed scoring config: %w", err)
		}
		ruleStore = memRules
		scoreStore = scoring.NewMemoryStore()
		bucketStore = ratelimit.NewMemoryStore()
		eventStore = ledger.NewEventMemoryStore()
		wallet = ledger.New(ledger.NewMemoryStore(), eventStore, logger)
		revenueStore = revenue.NewMemoryStore(wallet)
		logger.Info("using in-memory stores (no DATABASE_URL)")
	}

	ruleManager, err := rules.NewManager(ctx, ruleStore, logger)
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}

	engine := scoring.NewEngine(scoreStore, ruleManager, logger)
	limiter := ratelimit.NewLimiter(bucketStore, ruleManager, logger)
	guard := revenue.NewGuard(revenueStore, wallet, revenue.Rates{
		"marketing":      cfg.RateMarketing,
		"utility":        cfg.RateUtility,
		"authentication": cfg.RateAuthentication,
	}, logger)
	gate := revenue.NewGate(engine, limiter, guard)

	s.sweeper = scoring.NewWorker(engine, scoreStore, suspensionSweepInterval, logger)
	s.bucketGC = ratelimit.NewGC(bucketStore, bucketGCTTL, bucketGCInterval, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(metrics.Middleware())
	router.Use(ratelimit.Middleware(limiter, cfg.APIRequestsPerMinute, cfg.APIBurstSize))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	ledgerHandler := ledger.NewHandler(wallet, eventStore, logger)
	scoringHandler := scoring.NewHandler(engine, logger)
	ratelimitHandler := ratelimit.NewHandler(limiter, logger)
	revenueHandler := revenue.NewHandler(gate, guard, logger)
	rulesHandler := rules.NewHandler(ruleStore, ruleManager, logger)

	v1 := router.Group("/v1")
	ledgerHandler.RegisterRoutes(v1)
	scoringHandler.RegisterRoutes(v1)
	ratelimitHandler.RegisterRoutes(v1)
	revenueHandler.RegisterRoutes(v1)

	admin := router.Group("/v1", adminAuth(cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	scoringHandler.RegisterAdminRoutes(admin)
	ratelimitHandler.RegisterAdminRoutes(admin)
	rulesHandler.RegisterAdminRoutes(admin)

	// Payment gateway notification. Separate secret from the admin surface:
	// the gateway only gets to say "funds arrived".
	webhooks := router.Group("/webhooks", sharedSecretAuth("X-Topup-Secret", cfg.TopupSecret))
	webhooks.POST("/topup", ledgerHandler.RecordTopup)

	s.router = router
	return s, nil
}

// Run starts the HTTP listener and background workers, blocking until ctx
// is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go s.sweeper.Start(workerCtx)
	go s.bucketGC.Start(workerCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(workerCtx, s.db, dbStatsInterval)
	}

	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", "error", err)
	}
	s.sweeper.Stop()
	s.bucketGC.Stop()
	if s.stopTraces != nil {
		if err := s.stopTraces(shutdownCtx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func scoringFromConfig(cfg *config.Config) rules.ScoringConfig {
	sc := rules.DefaultScoringConfig()
	sc.DecayRatePerDay = cfg.DecayRatePerDay
	sc.MinDaysWithoutEvent = cfg.DecayMinDaysQuiet
	sc.CooldownDays = cfg.CooldownDays
	sc.AutoUnlockScore = cfg.AutoUnlockScore
	sc.ThrottleFraction = cfg.ThrottleFraction
	sc.PermanentCriticalCount = cfg.PermanentCriticalCount
	return sc
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		// Health and metrics polls would drown everything else.
		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
		)
	}
}

func adminAuth(secret string) gin.HandlerFunc {
	return sharedSecretAuth("X-Admin-Secret", secret)
}

func sharedSecretAuth(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			// No secret configured: development mode. Validate() rejects
			// this in production.
			c.Next()
			return
		}
		if c.GetHeader(header) != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
