package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// maxLoopIterations is the hard cap on provider round-trips per step.
// Exceeding it fails the step with MAX_ITERATIONS.
const maxLoopIterations = 10

// maxToolResultLen caps the rune length of a tool result appended to the
// conversation, so tools that return large payloads cannot grow the context
// without bound. Tool call records keep the full content.
const maxToolResultLen = 100_000

// LLMAgentOption configures an LLMAgent.
type LLMAgentOption func(*LLMAgent)

// WithAgentTools restricts the agent to the named tools. When unset the agent
// has no tools and completes in a single provider call.
func WithAgentTools(names ...string) LLMAgentOption {
	return func(a *LLMAgent) { a.toolNames = append(a.toolNames, names...) }
}

// WithAgentCapabilities sets the capability tags for the listing surface.
func WithAgentCapabilities(caps ...string) LLMAgentOption {
	return func(a *LLMAgent) { a.capabilities = append(a.capabilities, caps...) }
}

// WithAgentLogger sets the structured logger. Defaults to a no-op logger.
func WithAgentLogger(l *slog.Logger) LLMAgentOption {
	return func(a *LLMAgent) { a.logger = l }
}

// WithAgentTracer sets the tracer for loop iterations.
func WithAgentTracer(t Tracer) LLMAgentOption {
	return func(a *LLMAgent) { a.tracer = t }
}

// WithAgentRouter routes each execution through a ModelRouter instead of the
// fixed provider.
func WithAgentRouter(r *ModelRouter) LLMAgentOption {
	return func(a *LLMAgent) { a.router = r }
}

// LLMAgent drives a Provider through the tool-use protocol until a step
// terminates. It owns a system prompt, a model configuration, and the set of
// tool names it may call.
type LLMAgent struct {
	name         string
	description  string
	systemPrompt string
	provider     Provider
	router       *ModelRouter
	registry     *ToolRegistry
	toolNames    []string
	capabilities []string
	logger       *slog.Logger
	tracer       Tracer
}

var _ Agent = (*LLMAgent)(nil)

// NewLLMAgent creates an LLM-backed agent.
func NewLLMAgent(name, description, systemPrompt string, provider Provider, registry *ToolRegistry, opts ...LLMAgentOption) *LLMAgent {
	a := &LLMAgent{
		name:         name,
		description:  description,
		systemPrompt: systemPrompt,
		provider:     provider,
		registry:     registry,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent identifier.
func (a *LLMAgent) Name() string { return a.name }

// Description returns what the agent does.
func (a *LLMAgent) Description() string { return a.description }

// Capabilities returns the capability tags.
func (a *LLMAgent) Capabilities() []string { return a.capabilities }

// Execute runs the tool-use protocol: build a prompt from action+inputs, ask
// the provider, execute any requested tools, feed results back, and repeat
// until the model stops calling tools or the iteration cap is reached.
func (a *LLMAgent) Execute(ctx context.Context, action AgentAction, inputs map[string]any, cb Callbacks) (AgentResult, error) {
	var result AgentResult

	provider := a.provider
	if a.router != nil {
		p, err := a.router.Route(RouteFeatures{
			MessageLen: len(action.Type) + len(fmt.Sprint(action.Params)),
			ToolCount:  len(a.toolNames),
			Intent:     action.Type,
		})
		if err != nil {
			return result, err
		}
		provider = p
	}
	if provider == nil || !provider.Available() {
		return result, E(CodeProvider, "agent %s: no provider available", a.name)
	}

	manifest := a.registry.Manifest(a.toolNames)
	messages := []ChatMessage{UserMessage(a.buildPrompt(action, inputs))}

	cb.Log("info", a.logPrefix("starting "+action.Type))

	for i := 0; i < maxLoopIterations; i++ {
		iterCtx := ctx
		var span Span
		if a.tracer != nil {
			iterCtx, span = a.tracer.Start(ctx, "agent.loop.iteration",
				StringAttr("agent", a.name),
				IntAttr("iteration", i))
		}

		resp, err := provider.Chat(iterCtx, ChatRequest{
			Messages: messages,
			System:   a.systemPrompt,
			Tools:    manifest,
		})
		if err != nil {
			if span != nil {
				span.Error(err)
				span.End()
			}
			return result, E(CodeProvider, "agent %s: %v", a.name, err)
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		// Terminal response: no tool calls, or the model signalled end_turn.
		if len(resp.ToolCalls) == 0 || resp.StopReason == "end_turn" {
			if span != nil {
				span.End()
			}
			cb.Progress(1)
			result.Output = parseAgentOutput(resp.Content)
			return result, nil
		}

		if span != nil {
			span.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute tool calls in request order; each result is appended as a
		// tool message so the model sees results aligned with its calls.
		for _, tc := range resp.ToolCalls {
			rec := a.executeTool(iterCtx, tc, &result)
			cb.ToolCall(rec)
			cb.Log("info", a.logPrefix(fmt.Sprintf("tool %s (%dms)", tc.Name, rec.DurationMs)))

			content := rec.Output
			if rec.Error != "" {
				content = "error: " + rec.Error
			}
			if len([]rune(content)) > maxToolResultLen {
				content = truncateRunes(content, maxToolResultLen) + "\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}
		if span != nil {
			span.End()
		}
		cb.Progress(float64(i+1) / float64(maxLoopIterations))
	}

	cb.Log("warn", a.logPrefix("iteration cap reached"))
	return result, E(CodeMaxIterations, "agent %s exceeded %d iterations", a.name, maxLoopIterations)
}

// executeTool runs one tool call with panic recovery and returns its record.
// Per-tool failures never propagate out of the step; they are delivered back
// to the model as tool results.
func (a *LLMAgent) executeTool(ctx context.Context, tc ToolCall, result *AgentResult) (rec ToolCallRecord) {
	start := time.Now()
	rec = ToolCallRecord{
		ToolName:  tc.Name,
		Input:     tc.Args,
		Timestamp: NowMillis(),
	}
	defer func() {
		if p := recover(); p != nil {
			rec.Error = fmt.Sprintf("tool %q panic: %v", tc.Name, p)
			rec.DurationMs = time.Since(start).Milliseconds()
		}
	}()

	if def, ok := a.registry.Get(tc.Name); ok {
		result.Cost += def.Definition().CostPerCall
	}
	tr, err := a.registry.Execute(ctx, tc.Name, tc.Args)
	rec.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.Output = tr.Content
	rec.Error = tr.Error
	return rec
}

// buildPrompt renders the action and resolved inputs as the user turn.
func (a *LLMAgent) buildPrompt(action AgentAction, inputs map[string]any) string {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(action.Type)
	b.WriteString("\n")
	if len(action.Params) > 0 {
		params, _ := json.Marshal(action.Params)
		b.WriteString("Parameters: ")
		b.Write(params)
		b.WriteString("\n")
	}
	if len(inputs) > 0 {
		in, _ := json.Marshal(inputs)
		b.WriteString("Inputs: ")
		b.Write(in)
		b.WriteString("\n")
	}
	b.WriteString("\nComplete the action. Respond with a JSON object; include a \"summary\" field describing the outcome.")
	return b.String()
}

// logPrefix tags every log entry from the loop with the agent name.
func (a *LLMAgent) logPrefix(msg string) string {
	return "[" + a.name + "] " + msg
}

// parseAgentOutput parses the model's final text. A JSON object (possibly
// fenced) becomes a map; anything else is wrapped as {"summary": text}.
func parseAgentOutput(content string) any {
	text := strings.TrimSpace(content)
	if jsonStr := extractJSONObject(text); jsonStr != "" {
		var out map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &out); err == nil {
			return out
		}
	}
	return map[string]any{"summary": text}
}

// extractJSONObject finds the first top-level JSON object in a string,
// stripping markdown code fences if present.
func extractJSONObject(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return ""
	}
	return trimmed[start : end+1]
}

// truncateRunes truncates a string to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
