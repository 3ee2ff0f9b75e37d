package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/api/handlers"
	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/config"
	"github.com/libraxisai/lbrxserve/internal/metrics"
	"github.com/libraxisai/lbrxserve/internal/server"
	"github.com/libraxisai/lbrxserve/journal"
	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/preloader"
	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/router"
	"github.com/libraxisai/lbrxserve/session"
)

// =============================================================================
// Server wiring
// =============================================================================

// Server assembles the gateway: model manager, router, sessions, auth,
// journal, and the HTTP surfaces.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	manager   *manager.Manager
	preloader *preloader.Preloader
	sessions  session.Store
	queue     *journal.Queue

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// setup wires the components and returns the assembled HTTP handler
// without opening any listeners.
func (s *Server) setup() (http.Handler, error) {
	s.collector = metrics.NewCollector()

	reg := registry.Default()
	runtime := kernel.NewStubRuntime()
	s.manager = manager.New(s.logger, reg, runtime, manager.Options{
		ModelsDir:   s.cfg.Models.Dir,
		MaxMemoryGB: float64(s.cfg.Models.MaxModelMemoryGB),
		Gauge:       s.collector,
	})
	s.preloader = preloader.New(s.logger, reg, s.manager, preloader.DefaultEntries(),
		!s.cfg.Models.JITEnabled, float64(s.cfg.Models.MaxModelMemoryGB))

	rt := router.New(reg, s.cfg.Models.DefaultModel, nil, nil)

	if err := s.initSessions(); err != nil {
		return nil, err
	}

	authn, err := auth.New(s.cfg.Auth.Enabled, s.cfg.Auth.Keys(),
		s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to init auth: %w", err)
	}

	s.queue, err = journal.NewQueue(filepath.Join(s.cfg.Models.Dir, "..", "journal"))
	if err != nil {
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}

	h := &handlers.Handlers{
		Log:       s.logger,
		Cfg:       s.cfg,
		Registry:  reg,
		Manager:   s.manager,
		Router:    rt,
		Preloader: s.preloader,
		Sessions:  s.sessions,
		Auth:      authn,
		Started:   time.Now(),
	}
	return s.buildHandler(h, authn), nil
}

// Start wires the components and begins serving. It returns once both
// listeners are up; preloading continues in the background.
func (s *Server) Start() error {
	handler, err := s.setup()
	if err != nil {
		return err
	}
	if err := s.startHTTPServer(handler); err != nil {
		return err
	}
	if err := s.startMetricsServer(); err != nil {
		return err
	}

	// Warm the resident set without blocking startup; the health endpoint
	// is already answering for the supervisor.
	go func() {
		if err := s.preloader.Preload(context.Background()); err != nil {
			s.logger.Warn("preload finished with failures", zap.Error(err))
		}
	}()

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Metrics.Port),
		zap.Bool("auth", s.cfg.Auth.Enabled),
		zap.Bool("tls", s.cfg.Server.TLSEnabled()),
	)
	return nil
}

func (s *Server) initSessions() error {
	if s.cfg.Session.UseRedis() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := session.NewRedisStore(ctx, s.cfg.Session.RedisURL, s.cfg.Session.TTL())
		if err != nil {
			s.logger.Warn("redis unavailable, using in-memory sessions", zap.Error(err))
			s.sessions = session.NewMemoryStore(s.cfg.Session.TTL())
			return nil
		}
		s.logger.Info("using redis session store")
		s.sessions = store
		return nil
	}
	s.logger.Info("using in-memory session store")
	s.sessions = session.NewMemoryStore(s.cfg.Session.TTL())
	return nil
}

// buildHandler registers the routes and wraps them in the middleware chain.
func (s *Server) buildHandler(h *handlers.Handlers, authn *auth.Authenticator) http.Handler {
	prefix := s.cfg.Server.APIPrefix
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET "+prefix+"/health", h.Health)
	mux.HandleFunc("GET /version", handleVersion)

	mux.HandleFunc("POST "+prefix+"/chat/completions", h.ChatCompletions)
	mux.HandleFunc("POST "+prefix+"/completions", h.Completions)

	mux.HandleFunc("GET "+prefix+"/models", h.ListModels)
	mux.HandleFunc("GET "+prefix+"/models/memory/usage", h.Memory)
	mux.HandleFunc("GET "+prefix+"/models/{id}", h.GetModel)
	mux.HandleFunc("POST "+prefix+"/models/{id}/load", h.LoadModel)
	mux.HandleFunc("POST "+prefix+"/models/{id}/unload", h.UnloadModel)

	mux.HandleFunc("POST "+prefix+"/sessions", h.CreateSession)
	mux.HandleFunc("GET "+prefix+"/sessions", h.ListSessions)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}", h.GetSession)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/messages", h.SessionMessages)
	mux.HandleFunc("DELETE "+prefix+"/sessions/{id}", h.DeleteSession)

	mux.HandleFunc("GET "+prefix+"/routing", h.GetRouting)
	mux.HandleFunc("PUT "+prefix+"/routing/override", h.SetRoutingOverride)
	mux.HandleFunc("DELETE "+prefix+"/routing/override", h.ClearRoutingOverride)

	mux.HandleFunc("POST "+prefix+"/auth/token", h.CreateToken)
	mux.HandleFunc("POST "+prefix+"/auth/keys", h.CreateAPIKey)

	rlCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	skipAuth := []string{"/health", "/version", prefix + "/health"}
	skipJournal := []string{"/health", "/version", prefix + "/health"}
	// The journal sits between rate limiting and auth: a rejected key still
	// leaves a failed entry on disk.
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		TrustedHost(s.cfg.Server.TrustedHosts()),
		CORS(s.cfg.Server.CORSAllowedOrigins()),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		RateLimiter(rlCtx, s.cfg.RateLimit.PerMinute, s.cfg.RateLimit.PerHour, s.logger),
		journal.Middleware(s.queue, skipJournal, s.logger),
		AuthMiddleware(authn, skipAuth, s.logger),
	)
}

func (s *Server) startHTTPServer(handler http.Handler) error {
	cfg := server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, cfg, s.logger)
	if s.cfg.Server.TLSEnabled() {
		return s.httpManager.StartTLS(s.cfg.Server.SSLCert, s.cfg.Server.SSLKey)
	}
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	cfg := server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Metrics.Port),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
	s.metricsManager = server.NewManager(mux, cfg, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal or server error, then stops
// everything.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Stop()
}

// Stop tears down the auxiliary pieces after the HTTP listener has drained.
func (s *Server) Stop() {
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.metricsManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			s.logger.Error("session store close failed", zap.Error(err))
		}
	}
	if s.manager != nil {
		s.manager.UnloadAll()
	}
	s.logger.Info("server stopped")
}
