// Package server wires the scoring service, the audit store and ledger
// anchoring into an HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/circuitbreaker"
	"github.com/fraudproof/fraudproof/internal/config"
	"github.com/fraudproof/fraudproof/internal/fraud"
	"github.com/fraudproof/fraudproof/internal/health"
	"github.com/fraudproof/fraudproof/internal/idgen"
	"github.com/fraudproof/fraudproof/internal/inference"
	"github.com/fraudproof/fraudproof/internal/logging"
	"github.com/fraudproof/fraudproof/internal/metrics"
	"github.com/fraudproof/fraudproof/internal/ratelimit"
	"github.com/fraudproof/fraudproof/internal/realtime"
	"github.com/fraudproof/fraudproof/internal/security"
	"github.com/fraudproof/fraudproof/internal/traces"
	"github.com/fraudproof/fraudproof/internal/validation"
)

// Version is reported by /api and /health.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        audit.Store
	db           *sql.DB // set only for the postgres store
	registry     *inference.Registry
	service      *fraud.Service
	realtimeHub  *realtime.Hub
	ethClient    anchor.EthClient
	writer       *anchor.Writer
	dispatcher   *anchor.Dispatcher
	reconciler   *anchor.Reconciler
	breaker      *circuitbreaker.Breaker
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	cancelRunCtx context.CancelFunc // stops the workers launched by Start
	drainDelay   time.Duration

	// Health state
	ready        atomic.Bool
	healthy      atomic.Bool
	shutdownOnce sync.Once
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore uses store instead of opening one from the config.
func WithStore(store audit.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithRegistry uses registry instead of loading the model manifest.
func WithRegistry(registry *inference.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithEthClient uses client instead of dialing RPC_URL.
func WithEthClient(client anchor.EthClient) Option {
	return func(s *Server) {
		s.ethClient = client
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
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

	traceStop, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceStop = traceStop

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if s.registry == nil {
		manifest, err := inference.LoadManifest(cfg.ModelManifest)
		if err != nil {
			return nil, fmt.Errorf("failed to load model manifest: %w", err)
		}
		if s.registry, err = manifest.Build(s.logger); err != nil {
			return nil, fmt.Errorf("failed to load models: %w", err)
		}
	}
	if s.registry.Len() == 0 {
		s.logger.Warn("no scoring models loaded; every score request will fail")
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(security.ParseOrigins(cfg.CORSOrigins)))
	fcfg := fraud.DefaultConfig()
	fcfg.AnchorMinScore = cfg.AnchorMinScore
	fcfg.DashboardLookups = cfg.DashboardChainLookups
	fcfg.SampleDir = cfg.SampleDataDir
	s.service = fraud.NewService(inference.NewAdapter(s.registry, s.logger), s.store, fcfg, s.logger).
		WithPublisher(s.realtimeHub)

	if cfg.AnchoringEnabled() {
		if err := s.setupAnchoring(ctx); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("ledger anchoring disabled (RPC_URL, PRIVATE_KEY and CONTRACT_ADDRESS are all required)")
	}

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

// setupAnchoring dials the ledger and builds the writer, reader, dispatcher
// and reconciler.
func (s *Server) setupAnchoring(ctx context.Context) error {
	if s.ethClient == nil {
		client, err := anchor.Dial(ctx, s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to ledger: %w", err)
		}
		s.ethClient = client
	}

	contract, err := anchor.NewContract(s.cfg.ContractAddress)
	if err != nil {
		return err
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger circuit breaker changed state", "key", key, "from", from.String(), "to", to.String())
	})
	s.writer, err = anchor.NewWriter(s.ethClient, contract, anchor.WriterConfig{
		PrivateKey:     s.cfg.PrivateKey,
		ChainID:        s.cfg.ChainID,
		GasLimit:       s.cfg.GasLimit,
		ConfirmTimeout: s.cfg.ConfirmTimeout,
	},
		anchor.WithLogger(s.logger),
		anchor.WithBreaker(s.breaker, ledgerBreakerKey),
	)
	if err != nil {
		return fmt.Errorf("failed to create ledger writer: %w", err)
	}

	s.dispatcher = anchor.NewDispatcher(s.writer, s.store, s.cfg.AnchorWorkers, s.cfg.AnchorQueueSize, s.logger).
		WithNotifier(s.service.PublishAnchor)
	s.reconciler = anchor.NewReconciler(s.writer, s.store, pendingStaleAfter, s.logger).
		WithSettleAfter(s.cfg.ConfirmTimeout + anchor.ConfirmationPollInterval).
		WithOwner(s.dispatcher.Owns).
		WithNotifier(s.service.PublishAnchor)
	s.service.WithAnchoring(s.dispatcher, anchor.NewReader(s.ethClient, contract))

	s.logger.Info("ledger anchoring enabled",
		"chain_id", s.cfg.ChainID,
		"contract", contract.Address().Hex(),
		"signer", s.writer.Address(),
		"min_score", s.cfg.AnchorMinScore,
	)
	return nil
}

// ledgerBreakerKey labels the ledger RPC circuit. The RPC URL itself is not
// used because provider URLs often embed API keys.
const ledgerBreakerKey = "ledger_rpc"

// pendingStaleAfter is how long a pending anchor this process does not own
// may wait before the reconciler gives up on it.
const pendingStaleAfter = 15 * time.Minute

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("store", health.PingChecker("store", s.store))
	s.health.Register("models", health.ModelsChecker(s.registry.Len))
	if s.ethClient != nil {
		s.health.Register("chain", health.ChainChecker(s.ethClient), health.Optional())
	}
	if s.breaker != nil {
		s.health.Register("ledger_breaker", func(context.Context) health.Status {
			st := s.breaker.Snapshot(ledgerBreakerKey)
			return health.Status{Name: "ledger_breaker", Healthy: st.State != circuitbreaker.StateOpen, Detail: st.String()}
		}, health.Optional())
	}
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
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honour an upstream request ID (load balancer, gateway).
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Live score and anchoring events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/10, 10),
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.ScoringCost(fraud.DefaultConfig().SampleRows)))
	fraud.NewHandler(s.service, s.registry).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Anchoring bool            `json:"anchoring"`
	QueueSize int             `json:"anchorQueueDepth"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if !rep.Healthy() {
		code = http.StatusServiceUnavailable
	}
	resp := HealthResponse{
		Status:    rep.State,
		Version:   Version,
		Checks:    rep.Checks,
		Anchoring: s.service.AnchoringEnabled(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.dispatcher != nil {
		resp.QueueSize = s.dispatcher.Depth()
	}
	c.JSON(code, resp)
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
	domains := s.registry.Domains()
	c.JSON(http.StatusOK, gin.H{
		"name":        "fraudproof",
		"description": "Fraud scoring with an on-chain audit trail",
		"version":     Version,
		"domains":     domains,
		"chainId":     s.cfg.ChainID,
		"anchoring":   s.service.AnchoringEnabled(),
		"realtime":    s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers without serving HTTP.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)

	if s.dispatcher != nil {
		s.dispatcher.Start(runCtx)
	}
	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}
	s.ready.Store(true)
}

// Run serves HTTP until ctx ends, SIGINT or SIGTERM arrives, or the
// listener fails, and then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal so the HTTP drain can still enqueue anchors.
	s.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		s.logger.Info("listening",
			"addr", s.httpSrv.Addr,
			"store", s.cfg.StoreDriver,
			"models", s.registry.Len(),
			"anchoring", s.service.AnchoringEnabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if cause := context.Cause(sigCtx); cause != nil {
			s.logger.Info("shutting down", "cause", cause.Error())
		}
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown stops accepting traffic, drains in-flight requests and releases
// every dependency. Anchors still in flight keep their submitted status and
// are settled by the reconciler after restart. Only the first call has an
// effect.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() { err = s.shutdown() })
	return err
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown", "drain_delay", s.drainDelay)

	// Load balancers need a moment to see the failing readiness probe.
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.logger.Info("anchor dispatcher stopped", "abandoned", s.dispatcher.Depth())
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.ethClient != nil {
		s.ethClient.Close()
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}

	s.healthy.Store(false)
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
	} else {
		s.logger.Info("server stopped")
	}
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
