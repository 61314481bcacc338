// Package maestro is a multi-agent orchestration backend for Go.
//
// It turns a natural-language request into an executable plan, runs the plan
// across registered agents with dependency-aware parallelism, and persists
// every step. Around that core it provides a cron/interval/once job
// scheduler, a node-graph workflow engine, and a streaming event hub for
// real-time progress.
//
// # Quick Start
//
// Wire the orchestrator from its building blocks:
//
//	store := sqlite.New("maestro.db")
//	providers := maestro.NewProviderRegistry()
//	providers.Register(maestro.WithRetry(openaicompat.New(baseURL, apiKey, model)))
//
//	agents := maestro.NewAgentRegistry()
//	agents.Register(maestro.NewLLMAgent("research", "Finds and summarises information.", providers,
//		maestro.WithAgentTools(web.New(), shell.New()),
//	))
//
//	planner := maestro.NewPlanner(providers, agents)
//	orch := maestro.NewOrchestrator(store, planner, agents, providers)
//
//	result, err := orch.HandleMessage(ctx, "compare the top three Go routers", userID, maestro.Callbacks{})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent]: executable work unit behind a plan step or workflow node
//   - [Provider]: LLM backend (chat, tool calling)
//   - [Store]: persistence for tasks, plans, jobs, and workflows
//   - [Tool]: pluggable capability for LLM function calling
//   - [TaskRunner], [WorkflowRunner]: scheduler dispatch targets
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/postgres.
// Tools: tools/web, tools/shell.
//
// See the cmd/maestrod directory for the complete HTTP server.
package maestro
