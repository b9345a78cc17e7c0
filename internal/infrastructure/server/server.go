// Package server assembles the proxy from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/FrameProxy/internal/api/http"
	"github.com/GriffinCanCode/FrameProxy/internal/api/middleware"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/config"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/cache"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/dispatcher"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/policy"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/rewriter"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/upstream"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	upstream *upstream.Client
	cache    *cache.Cache
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing FrameProxy",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("static_dir", cfg.Static.Dir),
		zap.Bool("cache", cfg.Cache.Enabled),
	)

	// Metrics first, the cache and breakers report into it
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("frameproxy", logger.Logger)

	pol, err := policy.New(cfg.Policy.AllowHosts, cfg.Policy.DenyHosts)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("invalid host policy: %w", err)
	}

	localizer, err := newLocalizer(cfg.Static, logger.For("localizer"))
	if err != nil {
		tracer.Close()
		return nil, err
	}

	upstreamLog := logger.For("upstream")
	upstreamCfg := upstream.DefaultConfig()
	upstreamCfg.Timeout = cfg.Proxy.FetchTimeout
	upstreamCfg.RetryCount = cfg.Proxy.RetryCount
	upstreamCfg.RPS = cfg.Proxy.UpstreamRPS
	upstreamCfg.Breaker.OnStateChange = func(name string, from, to resilience.State) {
		metrics.RecordBreakerTransition(to.String())
		upstreamLog.Warn("origin breaker changed state",
			zap.String("host", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	client := upstream.New(upstreamCfg, upstreamLog)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.New(cache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
			MaxEntries:    cfg.Cache.MaxEntries,
			MaxBytes:      cfg.Cache.MaxBytes,
		}, metrics, logger.For("cache"))
	}

	rw := rewriter.New(rewriter.Options{
		Localizer: localizer,
		Metrics:   metrics,
		Log:       logger.For("rewriter"),
	})

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.MaxBodyBytes = cfg.Proxy.MaxBodyBytes
	dispatchCfg.DropCSP = cfg.Proxy.DropCSP
	dispatchCfg.CacheTTL = cfg.Cache.TTL
	if cfg.Proxy.UserAgent != "" {
		dispatchCfg.Fingerprint.UserAgent = cfg.Proxy.UserAgent
	}
	proxy := dispatcher.New(dispatcher.Options{
		Config:   dispatchCfg,
		Upstream: client,
		Cache:    responseCache,
		Policy:   pol,
		Rewriter: rw,
		Metrics:  metrics,
		Log:      logger.For("dispatcher"),
	})

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	corsCfg := middleware.DefaultCORSConfig()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(corsCfg), middleware.Preflight(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	proxy.Register(router)
	apihttp.NewHandlers(apihttp.Options{
		Cache:        responseCache,
		Breakers:     client.Breakers(),
		Metrics:      metrics,
		Log:          logger.For("http"),
		StaticDir:    cfg.Static.Dir,
		OperatorUser: cfg.Operator.User,
		OperatorHash: cfg.Operator.PasswordHash,
	}).Register(router)

	logger.Info("Server initialized successfully",
		zap.Int("localized_assets", localizer.Len()))

	return &Server{
		router: router,
		http: &http.Server{
			Addr:    cfg.Server.Addr(),
			Handler: router,
		},
		upstream: client,
		cache:    responseCache,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// newLocalizer indexes the static directory and loads the optional rule
// file. Without rules nothing is localized.
func newLocalizer(cfg config.StaticConfig, log *zap.Logger) (*rewriter.Localizer, error) {
	if cfg.Rules == "" {
		return nil, nil
	}
	rules, err := rewriter.LoadRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to load localization rules: %w", err)
	}
	localizer, err := rewriter.NewLocalizer(cfg.Dir, rules, log)
	if err != nil {
		return nil, fmt.Errorf("invalid localization rules: %w", err)
	}
	return localizer, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then stops the cache sweeper and the
// tracer
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	err := s.http.Shutdown(ctx)
	if err != nil {
		s.logger.Error("HTTP shutdown did not complete", zap.Error(err))
	}

	if s.cache != nil {
		s.cache.Close()
	}
	s.tracer.Close()

	// Sync logger before exit
	_ = s.logger.Sync()

	return err
}
