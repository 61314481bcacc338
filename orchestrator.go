package maestro

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Orchestrator defaults, overridable via options (see internal/config for the
// environment mapping).
const (
	defaultMaxConcurrentSteps = 3
	defaultStepTimeout        = 60 * time.Second
	defaultStepMaxRetries     = 2
	defaultStepRetryDelay     = time.Second
)

// SimpleTaskID is the synthetic task id returned for simple queries, which
// never persist a task.
const SimpleTaskID = "simple"

const simpleQueryPrompt = `You are a helpful assistant in a short conversation. Answer directly and concisely. If the user writes in a language other than English, respond in that language.`

// ExecutionResult is the terminal outcome of handling one user message.
type ExecutionResult struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"` // "completed" or "failed"
	Summary    string `json:"summary,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Err        *Error `json:"error,omitempty"`
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxConcurrentSteps caps concurrent step executions inside one parallel
// group. Default 3.
func WithMaxConcurrentSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrentSteps = n
		}
	}
}

// WithStepTimeout sets the default per-step timeout. Default 60s.
func WithStepTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultStepTimeout = d
		}
	}
}

// WithStepRetries sets the default retry budget for steps that do not declare
// their own. Default 2.
func WithStepRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.defaultMaxRetries = n
		}
	}
}

// WithStepRetryDelay sets the default delay between step retries. Default 1s.
func WithStepRetryDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultRetryDelay = d
		}
	}
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets the tracer.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator turns a user message into a task, a plan, and a sequence of
// step executions. One orchestrator serves many concurrent runs; each run
// owns its task exclusively.
type Orchestrator struct {
	store     Store
	planner   *Planner
	agents    *AgentRegistry
	providers *ProviderRegistry

	maxConcurrentSteps int
	defaultStepTimeout time.Duration
	defaultMaxRetries  int
	defaultRetryDelay  time.Duration

	mu      sync.Mutex
	cancels map[string]*CancelToken // taskID -> token

	activeAgents atomic.Int64

	logger *slog.Logger
	tracer Tracer
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, planner *Planner, agents *AgentRegistry, providers *ProviderRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:              store,
		planner:            planner,
		agents:             agents,
		providers:          providers,
		maxConcurrentSteps: defaultMaxConcurrentSteps,
		defaultStepTimeout: defaultStepTimeout,
		defaultMaxRetries:  defaultStepMaxRetries,
		defaultRetryDelay:  defaultStepRetryDelay,
		cancels:            make(map[string]*CancelToken),
		logger:             nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveAgents returns the number of agent executions currently in flight.
func (o *Orchestrator) ActiveAgents() int64 {
	return o.activeAgents.Load()
}

// Cancel trips the cancellation token for a running task. Returns false when
// the task is not currently running.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	token, ok := o.cancels[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel()
	return true
}

// HandleMessage is the orchestration entry point. It classifies the message,
// answers simple queries directly, and otherwise creates a task, synthesizes
// a plan, and executes it.
func (o *Orchestrator) HandleMessage(ctx context.Context, message, userID string, cb Callbacks) (ExecutionResult, error) {
	start := time.Now()
	message = NormalizeInput(message)

	ctx, span := o.startSpan(ctx, "orchestrator.handle_message", StringAttr("user_id", userID))
	if span != nil {
		defer span.End()
	}

	cb.Log("info", "analyzing intent")
	intent := o.planner.AnalyzeIntent(ctx, message)

	switch intent.Type {
	case IntentClarification:
		summary := "I need a bit more detail:\n- " + strings.Join(intent.Questions, "\n- ")
		return ExecutionResult{
			TaskID:     SimpleTaskID,
			Status:     "completed",
			Summary:    summary,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil

	case IntentSimpleQuery:
		summary, err := o.answerSimpleQuery(ctx, message)
		if err != nil {
			e := AsError(err)
			return ExecutionResult{TaskID: SimpleTaskID, Status: "failed", Err: e, DurationMs: time.Since(start).Milliseconds()}, e
		}
		return ExecutionResult{
			TaskID:     SimpleTaskID,
			Status:     "completed",
			Summary:    summary,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	// Full task path.
	task := Task{
		ID:        NewID(),
		UserID:    userID,
		Goal:      intent.PrimaryGoal,
		Priority:  intent.Urgency,
		Status:    TaskStatus{Phase: PhasePlanning},
		CreatedAt: NowMillis(),
		UpdatedAt: NowMillis(),
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		e := E(CodePersistence, "save task: %v", err)
		return ExecutionResult{TaskID: task.ID, Status: "failed", Err: e, DurationMs: time.Since(start).Milliseconds()}, e
	}

	token := NewCancelToken()
	o.mu.Lock()
	o.cancels[task.ID] = token
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, task.ID)
		o.mu.Unlock()
	}()

	// The token is registered first so a Cancel issued from this callback
	// cannot miss the task.
	cb.TaskStarted(task.ID)

	cb.Log("info", "building plan")
	plan := o.planner.BuildPlan(ctx, task)
	if err := o.store.SavePlan(ctx, plan); err != nil {
		return o.failTask(ctx, task, E(CodePersistence, "save plan: %v", err), start)
	}

	o.setPhase(ctx, &task, PhaseExecuting, 0)

	summary, err := o.executePlan(ctx, task, plan, token, cb)
	if err != nil {
		return o.failTask(ctx, task, AsError(err), start)
	}

	o.setPhase(ctx, &task, PhaseCompleted, 1)
	return ExecutionResult{
		TaskID:     task.ID,
		Status:     "completed",
		Summary:    summary,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// answerSimpleQuery calls the default provider with a short-conversation
// system prompt. No plan is built and no task is persisted.
func (o *Orchestrator) answerSimpleQuery(ctx context.Context, message string) (string, error) {
	provider, err := o.providers.Default()
	if err != nil {
		return "", err
	}
	resp, err := provider.Chat(ctx, ChatRequest{
		System:   simpleQueryPrompt,
		Messages: []ChatMessage{UserMessage(message)},
	})
	if err != nil {
		return "", E(CodeProvider, "simple query: %v", err)
	}
	return resp.Content, nil
}

// failTask marks the task failed, records the error, and builds the result.
func (o *Orchestrator) failTask(ctx context.Context, task Task, e *Error, start time.Time) (ExecutionResult, error) {
	o.setPhase(ctx, &task, PhaseFailed, task.Status.Progress)
	if err := o.store.LogError(ctx, task.ID, e.Message, string(e.Code)); err != nil {
		o.logger.Warn("error log write failed", "task_id", task.ID, "error", err)
	}
	return ExecutionResult{
		TaskID:     task.ID,
		Status:     "failed",
		DurationMs: time.Since(start).Milliseconds(),
		Err:        e,
	}, e
}

// setPhase persists a task status transition.
func (o *Orchestrator) setPhase(ctx context.Context, task *Task, phase TaskPhase, progress float64) {
	task.Status = TaskStatus{Phase: phase, Progress: progress}
	task.UpdatedAt = NowMillis()
	if err := o.store.UpdateTaskStatus(ctx, task.ID, task.Status); err != nil {
		o.logger.Warn("task status update failed", "task_id", task.ID, "phase", phase, "error", err)
	}
}

// executePlan partitions the plan into parallel groups and executes group by
// group. Steps inside a group run concurrently, batched by
// maxConcurrentSteps. Returns the task summary.
func (o *Orchestrator) executePlan(ctx context.Context, task Task, plan ExecutionPlan, token *CancelToken, cb Callbacks) (string, error) {
	groups, err := ParallelGroups(plan)
	if err != nil {
		return "", err
	}

	order, err := TopoSort(plan)
	if err != nil {
		return "", err
	}

	previousOutputs := make(map[string]any)
	results := make(map[string]StepResult)
	var resultsMu sync.Mutex
	completed := 0

	for _, group := range groups {
		if token.Cancelled() {
			return "", E(CodeCancelled, "task %s cancelled", task.ID)
		}

		// Batch the group by maxConcurrentSteps.
		for batchStart := 0; batchStart < len(group); batchStart += o.maxConcurrentSteps {
			batch := group[batchStart:min(batchStart+o.maxConcurrentSteps, len(group))]

			// Dependencies always live in earlier groups, so a snapshot taken
			// at the batch boundary is complete for every step in the batch
			// and keeps sibling writes off the map the steps read.
			snapshot := make(map[string]any, len(previousOutputs))
			for id, out := range previousOutputs {
				snapshot[id] = out
			}

			var wg sync.WaitGroup
			for _, stepID := range batch {
				step, ok := plan.StepByID(stepID)
				if !ok {
					continue
				}
				wg.Add(1)
				go func(step PlanStep) {
					defer wg.Done()
					res := o.executeStep(ctx, task, step, snapshot, token, cb)
					resultsMu.Lock()
					results[step.ID] = res
					if res.Status == StepSuccess {
						previousOutputs[step.ID] = res.Output
					}
					resultsMu.Unlock()
				}(step)
			}
			wg.Wait()

			if token.Cancelled() {
				return "", E(CodeCancelled, "task %s cancelled", task.ID)
			}
		}

		// Group boundary: honour the error policy against final results.
		for _, stepID := range group {
			res, ok := results[stepID]
			if !ok || res.Status != StepFailed {
				continue
			}
			switch plan.stepErrorMode(stepID) {
			case ErrorSkip:
				cb.Log("warn", fmt.Sprintf("step %s failed, skipping", stepID))
			default:
				// abort; retry is handled inside the step, so a failure that
				// reaches the boundary is final there too.
				return "", E(CodeStepFailed, "step %s failed: %s", stepID, res.Err.Message)
			}
		}

		completed += len(group)
		progress := float64(completed) / float64(max(len(plan.Steps), 1))
		o.setPhase(ctx, &task, PhaseExecuting, progress)
		cb.Progress(progress)
	}

	return buildSummary(order, results), nil
}

// executeStep resolves inputs, runs the agent with retry and timeout, and
// persists the StepResult. It never returns an error; failures are encoded
// in the result.
func (o *Orchestrator) executeStep(ctx context.Context, task Task, step PlanStep, previousOutputs map[string]any, token *CancelToken, cb Callbacks) StepResult {
	started := NowMillis()
	result := StepResult{StepID: step.ID, StartedAt: started}

	finish := func(status StepStatus, output any, e *Error) StepResult {
		result.Status = status
		result.Output = output
		result.Err = e
		result.CompletedAt = NowMillis()
		result.DurationMs = result.CompletedAt - result.StartedAt
		if err := o.store.SaveStepResult(ctx, task.ID, result); err != nil {
			// A write failure during a running step is fatal for the step.
			result.Status = StepFailed
			if result.Err == nil {
				result.Err = E(CodePersistence, "save step result: %v", err)
			}
		}
		return result
	}

	// Local capture that also forwards to the caller.
	localCB := Callbacks{
		OnLog: func(level, message string) {
			result.Logs = append(result.Logs, LogEntry{Level: level, Message: message, Timestamp: NowMillis()})
			cb.Log(level, message)
		},
		OnToolCall: func(rec ToolCallRecord) {
			result.ToolCalls = append(result.ToolCalls, rec)
			cb.ToolCall(rec)
		},
		OnProgress: cb.OnProgress,
	}

	inputs, err := resolveInputs(step, previousOutputs, task.Context)
	if err != nil {
		return finish(StepFailed, nil, AsError(err))
	}

	agent, ok := o.agents.Get(step.AgentID)
	if !ok {
		return finish(StepFailed, nil, E(CodeAgentNotFound, "agent %q not found", step.AgentID))
	}

	timeout := o.defaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	// A negative MaxRetries means "unset"; zero means no retries.
	retries := step.MaxRetries
	if retries < 0 {
		retries = o.defaultMaxRetries
	}
	retryDelay := o.defaultRetryDelay
	if step.RetryDelayMs > 0 {
		retryDelay = time.Duration(step.RetryDelayMs) * time.Millisecond
	}

	var lastErr *Error
	for attempt := 0; attempt <= retries; attempt++ {
		if token.Cancelled() {
			return finish(StepFailed, nil, E(CodeCancelled, "step %s cancelled", step.ID))
		}
		if attempt > 0 {
			localCB.Log("warn", fmt.Sprintf("retrying step %s (attempt %d/%d)", step.ID, attempt+1, retries+1))
			select {
			case <-time.After(retryDelay):
			case <-token.Done():
				return finish(StepFailed, nil, E(CodeCancelled, "step %s cancelled", step.ID))
			case <-ctx.Done():
				return finish(StepFailed, nil, E(CodeCancelled, "step %s: %v", step.ID, ctx.Err()))
			}
		}

		out, err := o.runAgentWithTimeout(ctx, agent, step.Action, inputs, timeout, localCB)
		if err == nil {
			result.Cost = out.Cost
			return finish(StepSuccess, out.Output, nil)
		}
		lastErr = AsError(err)
	}

	return finish(StepFailed, nil, lastErr)
}

// runAgentWithTimeout races the agent execution against the step timeout.
// Timeouts raise a dedicated TIMEOUT error distinct from cancellation; the
// abandoned execution's result is discarded.
func (o *Orchestrator) runAgentWithTimeout(ctx context.Context, agent Agent, action AgentAction, inputs map[string]any, timeout time.Duration, cb Callbacks) (AgentResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res AgentResult
		err error
	}
	done := make(chan outcome, 1)

	o.activeAgents.Add(1)
	go func() {
		defer o.activeAgents.Add(-1)
		res, err := agent.Execute(runCtx, action, inputs, cb)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return AgentResult{}, E(CodeCancelled, "agent %s: %v", agent.Name(), ctx.Err())
		}
		return AgentResult{}, E(CodeTimeout, "agent %s timed out after %s", agent.Name(), timeout)
	}
}

// resolveInputs builds the input map for a step: action params first, then
// each declared input from its source, applying defaults and enforcing
// required inputs.
func resolveInputs(step PlanStep, previousOutputs map[string]any, taskContext map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(step.Action.Params)+len(step.Inputs))
	for k, v := range step.Action.Params {
		inputs[k] = v
	}

	for _, in := range step.Inputs {
		var value any
		var found bool

		switch in.Source {
		case SourceLiteral:
			value, found = in.Value, in.Value != nil
		case SourceStep:
			if out, ok := previousOutputs[in.StepID]; ok {
				value, found = navigatePath(out, in.Path)
			}
		case SourceContext:
			value, found = taskContext[in.Key]
		default:
			return nil, E(CodeValidation, "step %s input %q: unknown source %q", step.ID, in.Name, in.Source)
		}

		if !found && in.Default != nil {
			value, found = in.Default, true
		}
		if !found {
			if in.Required {
				return nil, E(CodeValidation, "step %s: required input %q is absent", step.ID, in.Name)
			}
			continue
		}
		inputs[in.Name] = value
	}
	return inputs, nil
}

// navigatePath walks a dotted path through nested maps. An empty path
// returns the value itself.
func navigatePath(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// buildSummary concatenates, in step order, the summary field of each
// success output, or the first 5 entries of a findings array when present.
func buildSummary(order []string, results map[string]StepResult) string {
	var lines []string
	for _, stepID := range order {
		res, ok := results[stepID]
		if !ok || res.Status != StepSuccess {
			continue
		}
		out, ok := res.Output.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := out["summary"].(string); ok && s != "" {
			lines = append(lines, s)
			continue
		}
		if findings, ok := out["findings"].([]any); ok {
			for i, f := range findings {
				if i >= 5 {
					break
				}
				lines = append(lines, fmt.Sprint(f))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.Start(ctx, name, attrs...)
}
