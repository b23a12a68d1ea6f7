// Package server exposes the farm advisor over HTTP, a WebSocket stage stream
// and a gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/cache"
	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/llm/adapter"
	"github.com/shivangiamit/hackathon/internal/memory"
	"github.com/shivangiamit/hackathon/internal/middleware"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
)

// HealthService is the gRPC service name reported alongside the overall status.
const HealthService = "farmadvisor.v1.Advisor"

// OutcomeService records farmer feedback and serves the learned history.
type OutcomeService interface {
	UpdateOutcome(ctx context.Context, conversationID, actionTaken string, success bool, feedback string) (*models.ConversationRecord, error)
	Profile(ctx context.Context, farmerID string) (*models.FarmerProfile, error)
	Conversation(ctx context.Context, id string) (*models.ConversationRecord, error)
}

// LLMStatus reports whether a language model is available.
type LLMStatus interface {
	Provider() adapter.ProviderType
	IsConfigured() bool
}

// Deps are the collaborators the server routes to. Cache, Janitor, Audit and
// Logger are optional.
type Deps struct {
	Engine   engine.QueryEngine
	Outcomes OutcomeService
	Store    db.Store
	Cache    cache.SnapshotCache
	LLM      LLMStatus
	Janitor  *memory.Janitor
	Audit    audit.Logger
	Logger   *zap.Logger
	Now      func() time.Time
}

// Server represents the farm advisor server
type Server struct {
	config Config
	deps   Deps
	log    *zap.Logger

	router   http.Handler
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader

	// Listeners
	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new farm advisor server
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Outcomes == nil {
		return nil, fmt.Errorf("outcome service cannot be nil")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory(cache.DefaultTTL)
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:   cfg,
		deps:     deps,
		log:      deps.Logger.Named("server"),
		limiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		upgrader: newUpgrader(cfg.origins()),
		health:   health.NewServer(),
		ctx:      ctx,
		cancel:   cancel,
	}
	srv.router = srv.routes()
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	return srv, nil
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listeners and starts serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	httpLis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	s.httpLis = httpLis
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.config.GRPCPort > 0 {
		gaddr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.GRPCPort))
		grpcLis, err := net.Listen("tcp", gaddr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen grpc %s: %w", gaddr, err)
		}
		s.grpcLis = grpcLis
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	// Start HTTP server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("HTTP server listening", zap.String("addr", httpLis.Addr().String()))
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Start gRPC health server
	if s.grpcServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Info("gRPC health server listening", zap.String("addr", s.grpcLis.Addr().String()))
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	// Start retention janitor
	if s.deps.Janitor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Janitor.Run(s.ctx)
		}()
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.running = true

	provider := adapter.ProviderNone
	if s.deps.LLM != nil {
		provider = s.deps.LLM.Provider()
	}
	_ = s.deps.Audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithResult(audit.ResultSuccess).
		WithMetadata("http_addr", httpLis.Addr().String()).
		WithMetadata("llm_provider", string(provider)))
	s.log.Info("farm advisor server started",
		zap.String("llm_provider", string(provider)),
		zap.Bool("grpc_health", s.grpcServer != nil),
		zap.Bool("api_key_required", s.config.APIKey != ""),
	)
	return nil
}

// Stop gracefully stops the server. Health reports NOT_SERVING before the
// listeners drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping farm advisor server")
	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			s.grpcServer.Stop()
			<-stopped
		}
	}

	// Cancel context
	s.cancel()

	// Wait for goroutines
	s.wg.Wait()
	s.limiter.Stop()

	_ = s.deps.Audit.Log(ctx, audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	s.log.Info("farm advisor server stopped")
	return errors.Join(errs...)
}

// Close releases resources of a server that was never started.
func (s *Server) Close() {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if running {
		return
	}
	s.cancel()
	s.limiter.Stop()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HTTPAddr returns the bound HTTP address once started.
func (s *Server) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address once started.
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}
