package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// IntentType classifies a user message.
type IntentType string

const (
	IntentTask          IntentType = "task"
	IntentSimpleQuery   IntentType = "simple_query"
	IntentClarification IntentType = "clarification_needed"
)

// maxClarificationQuestions caps the questions returned for ambiguous input.
const maxClarificationQuestions = 3

// Intent is the result of analyzing a user message.
type Intent struct {
	Type            IntentType `json:"type"`
	PrimaryGoal     string     `json:"primary_goal"`
	Questions       []string   `json:"questions,omitempty"`
	SuggestedAgents []string   `json:"suggested_agents,omitempty"`
	Urgency         Priority   `json:"urgency"`
}

// DefaultResearchAgent is the agent id used by fallback plans and fallback
// intent classification.
const DefaultResearchAgent = "research"

const intentSystemPrompt = `You are an intent classifier for a task orchestration system. Classify the user message into exactly one type.

Return a JSON object: {"type": "...", "primary_goal": "...", "questions": [...], "suggested_agents": [...], "urgency": "low|normal|high"}

Types:
1. "simple_query" — greetings, small talk, references to prior turns, or anything answerable directly from knowledge without tools.
2. "clarification_needed" — the request is truly ambiguous; include up to 3 "questions".
3. "task" — anything requiring multiple steps or tools (research, file work, scheduling, monitoring).

Rules:
- Prefer "simple_query" for conversation; "task" for work.
- "suggested_agents" names agents likely to help (e.g. "research", "code").
- Respond with ONLY the JSON object, no extra text.`

const planSystemPrompt = `You are a planner for a multi-agent orchestration system. Produce an execution plan for the user's goal.

Return a JSON object:
{"steps":[{"id":"step-1","name":"...","description":"...","agent_id":"...","action":{"type":"...","params":{}},"inputs":[],"timeout_ms":60000,"max_retries":2,"requires_approval":false}],
 "dependencies":{"step-2":["step-1"]},
 "estimates":{"duration_ms":120000,"cost":0.01,"confidence":0.8}}

Rules:
- Each step id must be unique; dependencies may only reference step ids in this plan; no cycles.
- agent_id must be one of the available agents.
- Keep plans minimal: one step for simple goals.
- Respond with ONLY the JSON object.`

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the structured logger.
func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// WithPlannerTracer sets the tracer.
func WithPlannerTracer(t Tracer) PlannerOption {
	return func(p *Planner) { p.tracer = t }
}

// Planner turns a user message into an Intent and a Task into a validated
// ExecutionPlan.
type Planner struct {
	providers *ProviderRegistry
	router    *ModelRouter
	agents    *AgentRegistry
	logger    *slog.Logger
	tracer    Tracer
}

// NewPlanner creates a Planner. router may be nil; the registry default is
// used in that case.
func NewPlanner(providers *ProviderRegistry, router *ModelRouter, agents *AgentRegistry, opts ...PlannerOption) *Planner {
	p := &Planner{
		providers: providers,
		router:    router,
		agents:    agents,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AnalyzeIntent classifies a message. On any provider or parse failure it
// falls back to a task intent over the raw message with the default research
// agent; planning must never fail closed.
func (p *Planner) AnalyzeIntent(ctx context.Context, message string) Intent {
	fallback := Intent{
		Type:            IntentTask,
		PrimaryGoal:     message,
		SuggestedAgents: []string{DefaultResearchAgent},
		Urgency:         PriorityNormal,
	}

	provider, err := p.pickProvider(message, "")
	if err != nil {
		p.logger.Warn("intent: no provider, using fallback", "error", err)
		return fallback
	}

	resp, err := provider.Chat(ctx, ChatRequest{
		System:   intentSystemPrompt,
		Messages: []ChatMessage{UserMessage(message)},
	})
	if err != nil {
		p.logger.Warn("intent: provider error, using fallback", "error", err)
		return fallback
	}

	var intent Intent
	jsonStr := extractJSONObject(resp.Content)
	if jsonStr == "" || json.Unmarshal([]byte(jsonStr), &intent) != nil {
		p.logger.Warn("intent: unparseable response, using fallback")
		return fallback
	}

	switch intent.Type {
	case IntentTask, IntentSimpleQuery, IntentClarification:
	default:
		return fallback
	}
	if intent.PrimaryGoal == "" {
		intent.PrimaryGoal = message
	}
	if intent.Urgency != PriorityLow && intent.Urgency != PriorityHigh {
		intent.Urgency = PriorityNormal
	}
	if len(intent.Questions) > maxClarificationQuestions {
		intent.Questions = intent.Questions[:maxClarificationQuestions]
	}
	if len(intent.SuggestedAgents) == 0 {
		intent.SuggestedAgents = []string{DefaultResearchAgent}
	}
	return intent
}

// BuildPlan synthesizes and validates a plan for the task. On parse or
// validation failure it emits the fallback plan: a single research step over
// the task goal.
func (p *Planner) BuildPlan(ctx context.Context, task Task) ExecutionPlan {
	ctx, span := p.startSpan(ctx, "planner.build", StringAttr("task_id", task.ID))
	if span != nil {
		defer span.End()
	}

	plan, err := p.synthesize(ctx, task)
	if err != nil {
		p.logger.Warn("plan synthesis failed, using fallback plan", "task_id", task.ID, "error", err)
		if span != nil {
			span.Event("fallback", StringAttr("reason", err.Error()))
		}
		return p.FallbackPlan(task)
	}
	if err := p.Validate(plan); err != nil {
		p.logger.Warn("plan validation failed, using fallback plan", "task_id", task.ID, "error", err)
		return p.FallbackPlan(task)
	}
	return plan
}

// synthesize asks the model for a plan in the strict JSON envelope.
func (p *Planner) synthesize(ctx context.Context, task Task) (ExecutionPlan, error) {
	var plan ExecutionPlan

	provider, err := p.pickProvider(task.Goal, "plan")
	if err != nil {
		return plan, E(CodePlanning, "no provider: %v", err)
	}

	var prompt strings.Builder
	prompt.WriteString("Goal: ")
	prompt.WriteString(task.Goal)
	prompt.WriteString("\nAvailable agents: ")
	for i, info := range p.agents.Infos() {
		if i > 0 {
			prompt.WriteString(", ")
		}
		prompt.WriteString(info.ID)
		prompt.WriteString(" (")
		prompt.WriteString(info.Description)
		prompt.WriteString(")")
	}
	if len(task.Constraints) > 0 {
		prompt.WriteString("\nConstraints: ")
		prompt.WriteString(strings.Join(task.Constraints, "; "))
	}

	resp, err := provider.Chat(ctx, ChatRequest{
		System:   planSystemPrompt,
		Messages: []ChatMessage{UserMessage(prompt.String())},
	})
	if err != nil {
		return plan, E(CodePlanning, "plan synthesis: %v", err)
	}

	jsonStr := extractJSONObject(resp.Content)
	if jsonStr == "" {
		return plan, E(CodePlanning, "no JSON object in plan response")
	}
	var envelope struct {
		Steps        []PlanStep          `json:"steps"`
		Dependencies map[string][]string `json:"dependencies"`
		Estimates    PlanEstimates       `json:"estimates"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return plan, E(CodePlanning, "unparseable plan: %v", err)
	}
	if len(envelope.Steps) == 0 {
		return plan, E(CodePlanning, "plan has no steps")
	}

	return ExecutionPlan{
		ID:           NewID(),
		TaskID:       task.ID,
		Version:      1,
		Steps:        envelope.Steps,
		Dependencies: envelope.Dependencies,
		ErrorHandling: ErrorHandling{
			Default: ErrorAbort,
		},
		Estimates: envelope.Estimates,
		CreatedAt: NowMillis(),
	}, nil
}

// FallbackPlan returns a single research step over the task goal.
func (p *Planner) FallbackPlan(task Task) ExecutionPlan {
	return ExecutionPlan{
		ID:      NewID(),
		TaskID:  task.ID,
		Version: 1,
		Steps: []PlanStep{{
			ID:          "step-1",
			Name:        "Research",
			Description: "Research the goal and summarize findings",
			AgentID:     DefaultResearchAgent,
			Action: AgentAction{
				Type:   "research",
				Params: map[string]any{"query": task.Goal},
			},
			MaxRetries: 2,
		}},
		ErrorHandling: ErrorHandling{Default: ErrorAbort},
		Estimates:     PlanEstimates{Confidence: 0.5},
		CreatedAt:     NowMillis(),
	}
}

// Validate checks a plan for structural soundness: unique step ids, every
// dependency references a step in the same plan, every agent id exists, and
// the dependency graph is acyclic.
func (p *Planner) Validate(plan ExecutionPlan) error {
	ids := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.ID == "" {
			return E(CodeValidation, "step with empty id")
		}
		if ids[s.ID] {
			return E(CodeValidation, "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
		if p.agents != nil && !p.agents.Has(s.AgentID) {
			return E(CodeAgentNotFound, "step %q references unknown agent %q", s.ID, s.AgentID)
		}
	}
	for stepID, deps := range plan.Dependencies {
		if !ids[stepID] {
			return E(CodeValidation, "dependency entry for unknown step %q", stepID)
		}
		for _, dep := range deps {
			if !ids[dep] {
				return E(CodeValidation, "step %q depends on unknown step %q", stepID, dep)
			}
		}
	}
	return detectCycles(plan)
}

// detectCycles runs DFS with visiting/visited sets; any back-edge is an error.
func detectCycles(plan ExecutionPlan) error {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(plan.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return E(CodeValidation, "dependency cycle through step %q", id)
		case visited:
			return nil
		}
		state[id] = visiting
		for _, dep := range plan.Dependencies[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}

	for _, s := range plan.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// TopoSort returns step ids in a stable order that respects dependencies:
// declaration order is preserved among steps whose constraints allow it.
func TopoSort(plan ExecutionPlan) ([]string, error) {
	if err := detectCycles(plan); err != nil {
		return nil, err
	}
	order := make([]string, 0, len(plan.Steps))
	done := make(map[string]bool, len(plan.Steps))

	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		for _, dep := range plan.Dependencies[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, s := range plan.Steps {
		visit(s.ID)
	}
	return order, nil
}

// ParallelGroups partitions the plan into layers: layer k contains every
// step whose dependencies all lie in layers 0..k-1. Steps inside a layer are
// independent and may run concurrently.
func ParallelGroups(plan ExecutionPlan) ([][]string, error) {
	if err := detectCycles(plan); err != nil {
		return nil, err
	}
	placed := make(map[string]int, len(plan.Steps)) // stepID -> layer
	remaining := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		remaining = append(remaining, s.ID)
	}

	var groups [][]string
	for len(remaining) > 0 {
		var layer []string
		var next []string
		for _, id := range remaining {
			ready := true
			for _, dep := range plan.Dependencies[id] {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			} else {
				next = append(next, id)
			}
		}
		if len(layer) == 0 {
			// Unreachable after the cycle check, kept as a guard.
			return nil, E(CodeValidation, "dependency graph is not layerable")
		}
		for _, id := range layer {
			placed[id] = len(groups)
		}
		groups = append(groups, layer)
		remaining = next
	}
	return groups, nil
}

// pickProvider routes via the model router when configured, otherwise uses
// the registry default.
func (p *Planner) pickProvider(message, intentHint string) (Provider, error) {
	if p.router != nil {
		return p.router.Route(RouteFeatures{MessageLen: len(message), Intent: intentHint})
	}
	return p.providers.Default()
}

func (p *Planner) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if p.tracer == nil {
		return ctx, nil
	}
	return p.tracer.Start(ctx, name, attrs...)
}

// StepByID returns the plan step with the given id.
func (plan ExecutionPlan) StepByID(id string) (PlanStep, bool) {
	for _, s := range plan.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// stepErrorMode returns the effective error mode for a step.
func (plan ExecutionPlan) stepErrorMode(stepID string) ErrorMode {
	if m, ok := plan.ErrorHandling.StepOverrides[stepID]; ok {
		return m
	}
	if plan.ErrorHandling.Default != "" {
		return plan.ErrorHandling.Default
	}
	return ErrorAbort
}

// String renders a compact plan description for logs.
func (plan ExecutionPlan) String() string {
	return fmt.Sprintf("plan %s v%d (%d steps)", plan.ID, plan.Version, len(plan.Steps))
}
