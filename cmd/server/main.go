// Package main is the entry point for the yield autopilot service: it
// watches yield venues, decides when a user's funds should move, and
// executes rebalances under scoped session credentials.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-autopilot/internal/adapters"
	"github.com/yourorg/yield-autopilot/internal/audit"
	"github.com/yourorg/yield-autopilot/internal/cache"
	"github.com/yourorg/yield-autopilot/internal/circuitbreaker"
	"github.com/yourorg/yield-autopilot/internal/config"
	"github.com/yourorg/yield-autopilot/internal/engine"
	"github.com/yourorg/yield-autopilot/internal/errs"
	"github.com/yourorg/yield-autopilot/internal/executor"
	"github.com/yourorg/yield-autopilot/internal/kv"
	"github.com/yourorg/yield-autopilot/internal/lock"
	"github.com/yourorg/yield-autopilot/internal/model"
	"github.com/yourorg/yield-autopilot/internal/otel"
	"github.com/yourorg/yield-autopilot/internal/ratelimit"
	"github.com/yourorg/yield-autopilot/internal/relay"
	"github.com/yourorg/yield-autopilot/internal/security"
	"github.com/yourorg/yield-autopilot/internal/session"
	"github.com/yourorg/yield-autopilot/internal/store"
	"github.com/yourorg/yield-autopilot/internal/types"
	"github.com/yourorg/yield-autopilot/internal/validation"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server wires the autopilot's components behind the HTTP surface.
type Server struct {
	cfg config.Config

	backend     kv.Store
	cache       *cache.Cache
	detector    *cache.ChangeDetector
	registry    *adapters.Registry
	engine      *engine.Engine
	sessions    *session.Manager
	accounts    *store.Store
	coordinator *executor.Coordinator
	breaker     *circuitbreaker.CircuitBreaker
	reporter    *errs.Reporter
	auditLog    *audit.Exporter

	// httpLimit throttles the HTTP surface; the per-account sliding
	// window inside the coordinator is a separate concern.
	httpLimit *rate.Limiter

	metrics *serverMetrics
	server  *http.Server
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	venueErrors      *prometheus.CounterVec
	rebalanceCounter *prometheus.CounterVec
	circuitState     prometheus.Gauge
	opportunityCount prometheus.Gauge
	schedulerRuns    prometheus.Counter
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		venueErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_venue_errors_total",
				Help: "Total number of venue adapter errors",
			},
			[]string{"venue"},
		),
		rebalanceCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_rebalances_total",
				Help: "Rebalance executions by outcome",
			},
			[]string{"status"},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopilot_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		opportunityCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopilot_opportunity_count",
				Help: "Number of eligible opportunities in the last snapshot",
			},
		),
		schedulerRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autopilot_scheduler_runs_total",
				Help: "Completed scheduler sweeps",
			},
		),
	}

	prometheus.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.venueErrors,
		m.rebalanceCounter,
		m.circuitState,
		m.opportunityCount,
		m.schedulerRuns,
	)

	return m
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()

	shutdownTracer := otel.InitTracer(&cfg)
	defer shutdownTracer()

	server, err := NewServer(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// newBackend connects to the shared Redis store, falling back to the
// in-memory implementation when Redis is unreachable. The fallback
// keeps local development working; cross-instance safety needs Redis.
func newBackend(cfg config.Config) kv.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logrus.Warnf("Redis unreachable at %s (%v), using in-memory store", cfg.RedisAddr, err)
		return kv.NewMemory()
	}

	logrus.Infof("Connected to Redis at %s", cfg.RedisAddr)
	return kv.NewRedis(client)
}

// chainConfigs builds the secondary-chain venue configuration from the
// environment. A chain is enabled by setting its vault API URL, e.g.
// ARBITRUM_VAULT_API_URL; mainnet is always on and configured separately.
func chainConfigs() map[types.SupportedChain]types.ChainConfig {
	chains := map[types.SupportedChain]string{
		types.ChainArbitrum: "ARBITRUM",
		types.ChainOptimism: "OPTIMISM",
		types.ChainBase:     "BASE",
		types.ChainPolygon:  "POLYGON",
	}

	configs := make(map[types.SupportedChain]types.ChainConfig, len(chains))
	for chain, prefix := range chains {
		apiURL := config.GetEnvOrDefault(prefix+"_VAULT_API_URL", "")
		configs[chain] = types.ChainConfig{
			Enabled:     apiURL != "",
			RPCEndpoint: config.GetEnvOrDefault(prefix+"_RPC_ENDPOINT", ""),
			RPCFallback: config.GetEnvOrDefault(prefix+"_RPC_FALLBACK", ""),
			APIEndpoint: apiURL,
			APIKey:      os.Getenv(prefix + "_API_KEY"),
		}
	}
	return configs
}

// NewServer constructs the full component graph.
func NewServer(cfg config.Config) (*Server, error) {
	backend := newBackend(cfg)

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption service: %w", err)
	}

	metrics := registerMetrics()

	rpcURLs := []string{cfg.RPCEndpoint}
	if cfg.RPCFallback != "" {
		rpcURLs = append(rpcURLs, cfg.RPCFallback)
	}
	rpc := adapters.NewRPCClient(rpcURLs...)

	venues := []adapters.Adapter{
		adapters.NewAaveAdapter(cfg.AaveAPIURL, cfg.AavePoolAddress),
		adapters.NewVaultAdapter("yearn", cfg.VaultAPIURL, rpc),
	}
	for chain, chainCfg := range chainConfigs() {
		if !chainCfg.Enabled {
			continue
		}
		chainURLs := []string{chainCfg.RPCEndpoint}
		if chainCfg.RPCFallback != "" {
			chainURLs = append(chainURLs, chainCfg.RPCFallback)
		}
		chainRPC := adapters.NewRPCClient(chainURLs...)
		venues = append(venues, adapters.NewVaultAdapter("yearn-"+string(chain), chainCfg.APIEndpoint, chainRPC))
		logrus.Infof("Enabled %s vault venue at %s", chain, chainCfg.APIEndpoint)
	}

	registry := adapters.NewRegistry(venues...).WithErrorHook(func(venue string, err error) {
		metrics.venueErrors.WithLabelValues(venue).Inc()
	})

	accounts := store.New(backend)
	sessions := session.NewManager(backend, accounts, encryptor, session.Config{
		MaxDepositPerCall: cfg.MaxDepositPerCall,
		GasCeiling:        cfg.GasCeiling,
		DailyCallLimit:    int(cfg.DailyCallLimit),
		Validity:          cfg.SessionValidity,
		AuthorityContract: cfg.AuthorityContract,
		RevocationTTL:     cfg.RevocationTTL,
	})

	reporter := errs.NewReporter(backend)
	limiter := ratelimit.New(backend, cfg.RateLimitMax, cfg.RateLimitWindow)
	locks := lock.NewManager(backend)

	coordinator := executor.New(
		locks,
		limiter,
		registry,
		sessions,
		relay.NewClient(cfg.RelayURL),
		accounts,
		reporter,
		cfg.LockTTL,
		cfg.SubmitTimeout,
	)

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxAPY:           cfg.MaxAPY,
		MaxLiquidityDrop: cfg.MaxLiquidityDrop,
		MinAdapters:      cfg.MinAdapterCount,
	}).WithResetDelay(cfg.CircuitResetDelay)

	auditLog, err := audit.NewExporter(audit.ExporterConfig{
		Enabled:        config.GetEnvOrDefault("AUDIT_WEBHOOK_URL", "") != "",
		BatchSize:      config.GetEnvAsInt("AUDIT_BATCH_SIZE", 50),
		ExportInterval: config.GetEnvOrDefault("AUDIT_EXPORT_INTERVAL", "1m"),
		WebhookURL:     config.GetEnvOrDefault("AUDIT_WEBHOOK_URL", ""),
		WebhookAPIKey:  os.Getenv("AUDIT_WEBHOOK_API_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("audit exporter: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		backend:     backend,
		cache:       cache.New(backend, cfg.CacheTTL),
		detector:    cache.NewChangeDetector(backend, cfg.BaselineTTL, cfg.ChangeThreshold),
		registry:    registry,
		engine:      engine.New(registry, cfg.MinImprovement, cfg.TargetedMinImprovement, cfg.MinLiquidityUSD),
		sessions:    sessions,
		accounts:    accounts,
		coordinator: coordinator,
		breaker:     breaker,
		reporter:    reporter,
		auditLog:    auditLog,
		httpLimit: rate.NewLimiter(
			rate.Limit(config.GetEnvAsFloat("HTTP_RATE_LIMIT_RPS", 10.0)),
			config.GetEnvAsInt("HTTP_RATE_LIMIT_BURST", 20),
		),
		metrics: metrics,
	}

	logrus.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"venues":    len(registry.Enabled()),
		"scheduler": cfg.SchedulerInterval,
		"authority": cfg.AuthorityContract.Hex(),
	}).Info("Server initialized")

	return s, nil
}

// Start begins the HTTP server, the scheduler, and graceful shutdown handling.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/agent/register", s.instrument("register", s.handleRegister))
	mux.HandleFunc("/agent/revoke", s.instrument("revoke", s.handleRevoke))
	mux.HandleFunc("/rebalance", s.instrument("rebalance", s.handleRebalance))
	mux.HandleFunc("/opportunities", s.instrument("opportunities", s.handleOpportunities))
	mux.HandleFunc("/positions", s.instrument("positions", s.handlePositions))
	mux.HandleFunc("/actions", s.instrument("actions", s.handleActions))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // rebalance responses wait for inclusion
		IdleTimeout:  60 * time.Second,
	}

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go s.runScheduler(schedulerCtx)

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	stopScheduler()
	s.auditLog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}

	logrus.Info("Server stopped")
}

// instrument wraps a handler with HTTP rate limiting and Prometheus timing.
func (s *Server) instrument(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.httpLimit.Allow() {
			s.metrics.requestCounter.WithLabelValues(endpoint, "throttled").Inc()
			httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		start := time.Now()
		handler(w, r)
		s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.metrics.requestCounter.WithLabelValues(endpoint, "handled").Inc()
	}
}

// snapshot fetches the current eligible opportunity set: venue reads
// (cached), circuit breaker sanity check with last-good fallback, then
// eligibility filtering. The result stays sorted descending by yield.
func (s *Server) snapshot(ctx context.Context) ([]model.Opportunity, error) {
	var raw []model.Opportunity
	err := s.cache.Remember(ctx, cache.VenueKey("registry", "all"), &raw, func(ctx context.Context) (interface{}, error) {
		return s.registry.Opportunities(ctx)
	})
	if err != nil {
		return nil, err
	}

	if err := s.breaker.Check(raw); err != nil {
		lastGood := s.breaker.LastGoodOpportunities()
		if len(lastGood) == 0 {
			return nil, fmt.Errorf("market data rejected: %w", err)
		}
		logrus.Warnf("Circuit breaker engaged (%v), serving last good snapshot", err)
		raw = lastGood
	}
	s.metrics.circuitState.Set(float64(s.breaker.GetState()))

	eligible := validation.FilterEligibleWithOptions(raw, validation.ValidationOptions{
		MaxAge:                 time.Hour,
		MinLiquidityUSD:        s.cfg.MinLiquidityUSD,
		MaxAPY:                 s.cfg.MaxAPY,
		MaxRiskScore:           0.8,
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   1.5,
	})
	s.metrics.opportunityCount.Set(float64(len(eligible)))
	return eligible, nil
}

// rebalanceAccount runs the full decide-then-execute flow for one account.
func (s *Server) rebalanceAccount(ctx context.Context, account common.Address, targeted map[common.Address]bool) (*model.ExecutionResult, error) {
	opportunities, err := s.snapshot(ctx)
	if err != nil {
		s.reporter.Report(ctx, errs.New(errs.CategoryExternalAPI, account, err))
		return nil, err
	}

	positions, err := s.registry.Positions(ctx, account)
	if err != nil {
		s.reporter.Report(ctx, errs.New(errs.CategoryExternalAPI, account, err))
		return nil, err
	}

	decision := s.engine.Evaluate(ctx, account, opportunities, positions, engine.Options{TargetedVaults: targeted})
	if !decision.ShouldRebalance {
		return &model.ExecutionResult{
			Account: account,
			Status:  model.StatusRejected,
			Reason:  decision.Reason,
		}, nil
	}

	cred, err := s.sessions.Load(ctx, account)
	if err != nil {
		return nil, err
	}

	result := s.coordinator.Execute(ctx, account, decision, cred)
	s.metrics.rebalanceCounter.WithLabelValues(result.Status).Inc()
	if result.Status == model.StatusCompleted || result.Status == model.StatusFailed {
		s.auditLog.Record(model.AgentAction{
			Account:      account,
			Type:         model.ActionRebalance,
			Status:       result.Status,
			FromProtocol: result.FromProtocol,
			ToProtocol:   result.ToProtocol,
			Amount:       amountString(result),
			TxRef:        result.TxRef,
			Error:        result.Reason,
		})
	}
	return result, nil
}

// runScheduler periodically sweeps all auto-optimize accounts. Vaults
// the change detector flags as dropped get the lower improvement gate.
func (s *Server) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()

	logrus.Infof("Scheduler running every %s", s.cfg.SchedulerInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one scheduler pass across all opted-in accounts.
func (s *Server) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.SchedulerInterval)
	defer cancel()

	opportunities, err := s.registry.Opportunities(sweepCtx)
	if err != nil {
		logrus.Warnf("Scheduler sweep skipped, venues unreachable: %v", err)
		return
	}

	report, err := s.detector.Observe(sweepCtx, opportunities)
	if err != nil {
		logrus.Warnf("Change detection failed: %v", err)
	}
	targeted := report.DroppedVaults()
	if len(targeted) > 0 {
		logrus.Infof("Change detector flagged %d dropped vaults", len(targeted))
	}

	accounts, err := s.accounts.AutoOptimizeAccounts(sweepCtx)
	if err != nil {
		logrus.Errorf("Cannot list auto-optimize accounts: %v", err)
		return
	}

	group, groupCtx := errgroup.WithContext(sweepCtx)
	group.SetLimit(4)
	for _, account := range accounts {
		account := account
		group.Go(func() error {
			result, err := s.rebalanceAccount(groupCtx, account, targeted)
			if err != nil {
				logrus.Warnf("Sweep failed for %s: %v", account.Hex(), err)
				return nil // one account must not abort the sweep
			}
			if result.Status == model.StatusCompleted {
				logrus.Infof("Sweep rebalanced %s: %s -> %s", account.Hex(), result.FromProtocol, result.ToProtocol)
			}
			return nil
		})
	}
	_ = group.Wait()

	s.metrics.schedulerRuns.Inc()
	logrus.Debugf("Scheduler sweep finished for %d accounts", len(accounts))
}
