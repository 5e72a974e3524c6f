// Package server exposes the planning service over HTTP: the chat
// surface, plan and job reads, task decomposition, and SSE job
// streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planweave/planweave/internal/agent"
	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/decompose"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/sessions"
)

// BuildInfo carries the ldflags-stamped build identity reported by
// GET /version.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Options wires the server to the services it fronts.
type Options struct {
	Config     config.ServerConfig
	Agent      *agent.Service
	Sessions   *sessions.Service
	Plans      *plan.Repository
	Jobs       *jobs.Manager
	Decomposer *decompose.Service
	Build      BuildInfo
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Server is the HTTP front of the service.
type Server struct {
	cfg        config.ServerConfig
	agent      *agent.Service
	sessions   *sessions.Service
	plans      *plan.Repository
	jobs       *jobs.Manager
	decomposer *decompose.Service
	build      BuildInfo
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	startTime  time.Time

	httpServer *http.Server
	listener   net.Listener
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Server{
		cfg:        opts.Config,
		agent:      opts.Agent,
		sessions:   opts.Sessions,
		plans:      opts.Plans,
		jobs:       opts.Jobs,
		decomposer: opts.Decomposer,
		build:      opts.Build,
		logger:     logger.WithComponent("server"),
		metrics:    opts.Metrics,
		tracer:     tracer,
		startTime:  time.Now(),
	}
}

// Handler builds the full route table. Exposed so tests can drive the
// server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)

	mux.HandleFunc("/chat/message", s.handleChatMessage)
	mux.HandleFunc("/chat/actions/", s.handleChatAction)
	mux.HandleFunc("/chat/history/", s.handleChatHistory)
	mux.HandleFunc("/chat/sessions", s.handleSessionList)
	mux.HandleFunc("/chat/sessions/", s.handleSession)

	mux.HandleFunc("/plans", s.handlePlanList)
	mux.HandleFunc("/plans/", s.handlePlan)
	mux.HandleFunc("/tasks/", s.handleTask)
	mux.HandleFunc("/jobs/", s.handleJob)

	return s.withMiddleware(mux)
}

// Start listens and serves in the background. Serve errors other than
// a clean shutdown are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests. SSE streams end when their
// request contexts are cancelled by the shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(shutdownCtx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"version":    s.build.Version,
		"commit":     s.build.Commit,
		"date":       s.build.Date,
		"go_version": runtime.Version(),
		"uptime_sec": int64(time.Since(s.startTime).Seconds()),
	})
}
