// Package server exposes the orchestration runtime over HTTP: a JSON API for
// tasks, scheduled jobs, and workflows, plus a websocket stream for live
// task events. Authentication is bearer JWT issued by POST /auth/token.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
)

// Server wires the runtime components behind the HTTP surface. Any of sched
// and engine may be nil; their routes then answer 501.
type Server struct {
	cfg    config.Config
	store  maestro.Store
	orch   *maestro.Orchestrator
	sched  *maestro.Scheduler
	engine *maestro.WorkflowEngine
	agents *maestro.AgentRegistry
	hub    *maestro.Hub
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithScheduler attaches the scheduler behind /api/scheduler.
func WithScheduler(s *maestro.Scheduler) Option {
	return func(srv *Server) { srv.sched = s }
}

// WithWorkflowEngine attaches the workflow engine behind /api/workflows.
func WithWorkflowEngine(e *maestro.WorkflowEngine) Option {
	return func(srv *Server) { srv.engine = e }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// New builds a Server. store, orch, agents, and hub are required.
func New(cfg config.Config, store maestro.Store, orch *maestro.Orchestrator, agents *maestro.AgentRegistry, hub *maestro.Hub, opts ...Option) *Server {
	srv := &Server{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		agents: agents,
		hub:    hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/auth/token", s.handleIssueToken)
	r.Get("/stream", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)

		r.Get("/stats", s.handleStats)
		r.Get("/agents", s.handleListAgents)

		r.Route("/scheduler/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/{id}", s.handleGetJob)
			r.Patch("/{id}", s.handleUpdateJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Post("/{id}/toggle", s.handleToggleJob)
			r.Get("/{id}/executions", s.handleJobExecutions)
			r.Post("/{id}/run", s.handleRunJob)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Patch("/{id}", s.handleUpdateWorkflow)
			r.Delete("/{id}", s.handleDeleteWorkflow)
			r.Post("/{id}/execute", s.handleExecuteWorkflow)
			r.Get("/{id}/executions", s.handleWorkflowExecutions)
		})
		r.Get("/workflow-templates", s.handleWorkflowTemplates)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}
