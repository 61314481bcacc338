// Command maestrod runs the orchestration backend: HTTP API, websocket
// stream, scheduler tick loop, and workflow engine over a shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/internal/server"
	"github.com/nevindra/maestro/observer"
	"github.com/nevindra/maestro/provider/openaicompat"
	"github.com/nevindra/maestro/store/postgres"
	"github.com/nevindra/maestro/store/sqlite"
	"github.com/nevindra/maestro/tools/shell"
	"github.com/nevindra/maestro/tools/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load(os.Getenv("MAESTRO_CONFIG"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Observability.
	tracer := maestro.Tracer(nil)
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	// 2. Stores. Scheduler and workflow state may live in their own SQLite
	// files; Postgres always shares one database.
	store, schedStore, wfStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// 3. Providers.
	providers := maestro.NewProviderRegistry()
	for _, pc := range cfg.Providers {
		if pc.BaseURL == "" && pc.APIKey == "" {
			logger.Warn("provider has no credentials, skipping", "provider", pc.Name)
			continue
		}
		var p maestro.Provider = openaicompat.New(pc.BaseURL, pc.APIKey, pc.Model, openaicompat.WithName(pc.Name))
		if cfg.Observer.Enabled {
			p = observer.WrapProvider(p)
		}
		p = maestro.WithRetry(p, maestro.RetryLogger(logger))
		providers.Register(p)
		if pc.Default {
			providers.SetDefault(pc.Name)
		}
	}
	defaultProvider, err := providers.Default()
	if err != nil {
		return fmt.Errorf("no usable provider configured: %w", err)
	}

	// 4. Tools and agents.
	tools := maestro.NewToolRegistry()
	registerTool(tools, web.New(), cfg.Observer.Enabled)
	registerTool(tools, shell.New(cfg.Workspace, 30), cfg.Observer.Enabled)

	agents := maestro.NewAgentRegistry()
	agents.Register(maestro.NewLLMAgent(
		maestro.DefaultResearchAgent,
		"Finds and digests information from the web",
		"You are a research agent. Gather facts with your tools and answer with sources.",
		defaultProvider, tools,
		maestro.WithAgentTools("web_fetch"),
	))
	agents.Register(maestro.NewLLMAgent(
		"operator",
		"Runs commands in the local workspace",
		"You are an operations agent. Use the shell to accomplish the task, then report the outcome.",
		defaultProvider, tools,
		maestro.WithAgentTools("shell_exec"),
	))

	// 5. Planner and orchestrator.
	router := maestro.NewModelRouter(providers)
	planner := maestro.NewPlanner(providers, router, agents,
		maestro.WithPlannerLogger(logger), maestro.WithPlannerTracer(tracer))

	orch := maestro.NewOrchestrator(store, planner, agents, providers,
		maestro.WithMaxConcurrentSteps(cfg.Orch.MaxConcurrentSteps),
		maestro.WithStepTimeout(time.Duration(cfg.Orch.DefaultStepTimeoutMs)*time.Millisecond),
		maestro.WithStepRetries(cfg.Orch.MaxRetries),
		maestro.WithStepRetryDelay(time.Duration(cfg.Orch.RetryDelayMs)*time.Millisecond),
		maestro.WithOrchestratorLogger(logger),
		maestro.WithOrchestratorTracer(tracer))

	// 6. Workflow engine.
	engine := maestro.NewWorkflowEngine(wfStore, agents,
		maestro.WithEngineLogger(logger), maestro.WithEngineTracer(tracer))

	// 7. Scheduler.
	var sched *maestro.Scheduler
	if cfg.Scheduler.Enabled {
		sched = maestro.NewScheduler(schedStore, orch, engine,
			maestro.WithTick(time.Duration(cfg.Scheduler.TickMs)*time.Millisecond),
			maestro.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
			maestro.WithJobRetries(cfg.Scheduler.DefaultRetries),
			maestro.WithJobTimeout(time.Duration(cfg.Scheduler.DefaultTimeoutMs)*time.Millisecond),
			maestro.WithSchedulerLogger(logger))
		go func() {
			if err := sched.Start(ctx); err != nil {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	// 8. HTTP.
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = maestro.NewID()
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive restarts")
	}
	hub := maestro.NewHub(orch)
	srv := server.New(cfg, store, orch, agents, hub,
		server.WithScheduler(sched),
		server.WithWorkflowEngine(engine),
		server.WithLogger(logger))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: srv.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr, "providers", providers.Names())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	return nil
}

// openStores opens the primary, scheduler, and workflow stores and runs
// their schema migrations. The latter two fall back to the primary when no
// separate path is configured.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (primary, sched, wf maestro.Store, err error) {
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		return st, st, st, nil
	}

	primarySt := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := primarySt.Init(ctx); err != nil {
		return nil, nil, nil, err
	}
	sched, wf = maestro.Store(primarySt), maestro.Store(primarySt)
	if cfg.Database.SchedulerPath != "" {
		st := sqlite.New(cfg.Database.SchedulerPath, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		sched = st
	}
	if cfg.Database.WorkflowPath != "" {
		st := sqlite.New(cfg.Database.WorkflowPath, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		wf = st
	}
	return primarySt, sched, wf, nil
}

func registerTool(reg *maestro.ToolRegistry, t maestro.Tool, observed bool) {
	if observed {
		t = observer.WrapTool(t)
	}
	reg.Register(t)
}
