package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/engine"
	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/telemetry/health"
)

// Engine is the part of *engine.Engine the HTTP API serves.
type Engine interface {
	Evaluate(ctx context.Context, call limits.Call) (*engine.Decision, error)
	Settle(ctx context.Context, callID string, actual engine.ActualUsage) (*engine.Settlement, error)
	StageKey(policyID string, call limits.Call) (string, error)
	Stage(policyID string, call limits.Call) (engine.StageView, error)
	ResetStage(ctx context.Context, scopeKey, policyID string) bool
	Peek(ctx context.Context, budgetID string, call limits.Call) (limits.BudgetUsage, error)
	Reload(ctx context.Context) (*engine.LoadReport, error)
}

// Options configures a Server.
type Options struct {
	// Health serves /readyz. Default: a checker with no checks.
	Health *health.Checker

	// Gatherer serves the metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer

	// Registerer receives the HTTP metrics. Nil disables them.
	Registerer prometheus.Registerer

	// MetricsPath is where metrics are served. Default: "/metrics"
	MetricsPath string

	// Version is reported by /version.
	Version, Commit, BuildTime string

	Logger *slog.Logger
}

// Server serves the engine API over HTTP.
type Server struct {
	cfg     config.ServerConfig
	engine  Engine
	opts    Options
	handler http.Handler
	logger  *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	running    bool
}

// New creates a server. The handler is built once; Start may be called
// after Handler has been used directly in tests.
func New(cfg config.ServerConfig, eng Engine, opts Options) *Server {
	if opts.Health == nil {
		opts.Health = health.New(0)
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = config.DefaultMetricsPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		engine: eng,
		opts:   opts,
		logger: opts.Logger.With("component", "server"),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.running = true
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		s.setStopped()
		if !ok {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	running := s.running
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}

	s.logger.Info("initiating graceful shutdown", "timeout", s.cfg.ShutdownTimeout.String())

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	s.setStopped()
	if err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
