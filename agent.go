package maestro

import (
	"context"
	"sync"
)

// Agent is a named capability that executes a plan step by driving a provider
// through a tool-use protocol (or any other means) to a terminal output.
type Agent interface {
	// Name returns the agent's identifier (referenced by PlanStep.AgentID).
	Name() string
	// Description returns a human-readable description of what the agent does.
	Description() string
	// Capabilities lists coarse capability tags for the agent listing surface.
	Capabilities() []string
	// Execute runs the agent on the given action with resolved inputs.
	// Logs, tool calls, and progress are reported through cb as they happen.
	Execute(ctx context.Context, action AgentAction, inputs map[string]any, cb Callbacks) (AgentResult, error)
}

// AgentResult is the output of an Agent execution.
type AgentResult struct {
	// Output is the parsed step output. LLM-backed agents produce a JSON
	// object when the model returns one, otherwise {"summary": text}.
	Output any
	// Usage aggregates token usage across all provider calls.
	Usage Usage
	// Cost accumulates declared per-call tool costs.
	Cost float64
}

// Callbacks is the observer bundle threaded through an agent execution.
// Nil members are allowed and skipped.
type Callbacks struct {
	OnTaskStarted func(taskID string)
	OnLog         func(level, message string)
	OnToolCall    func(rec ToolCallRecord)
	OnProgress    func(fraction float64)
}

// TaskStarted invokes OnTaskStarted when set.
func (c Callbacks) TaskStarted(taskID string) {
	if c.OnTaskStarted != nil {
		c.OnTaskStarted(taskID)
	}
}

// Log invokes OnLog when set.
func (c Callbacks) Log(level, message string) {
	if c.OnLog != nil {
		c.OnLog(level, message)
	}
}

// ToolCall invokes OnToolCall when set.
func (c Callbacks) ToolCall(rec ToolCallRecord) {
	if c.OnToolCall != nil {
		c.OnToolCall(rec)
	}
}

// Progress invokes OnProgress when set.
func (c Callbacks) Progress(fraction float64) {
	if c.OnProgress != nil {
		c.OnProgress(fraction)
	}
}

// AgentInfo is the static description served by the agent listing surface.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// AgentRegistry maps agent ids to implementations. Registration happens at
// startup; lookups are safe for concurrent use.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Agent)}
}

// Register adds an agent under its name.
func (r *AgentRegistry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[a.Name()]; !dup {
		r.order = append(r.order, a.Name())
	}
	r.agents[a.Name()] = a
}

// Get returns the agent by id.
func (r *AgentRegistry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Has reports whether the agent id is registered.
func (r *AgentRegistry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Infos returns static agent descriptions in registration order.
func (r *AgentRegistry) Infos() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]AgentInfo, 0, len(r.order))
	for _, id := range r.order {
		a := r.agents[id]
		infos = append(infos, AgentInfo{
			ID:           id,
			Name:         a.Name(),
			Description:  a.Description(),
			Capabilities: a.Capabilities(),
			Status:       "ready",
		})
	}
	return infos
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// --- Cancellation ---

// CancelToken is a first-class cooperative cancellation flag wired through
// the orchestrator, agent loop, workflow engine, and scheduler execution.
// Cancellation is distinct from timeout: a cancelled run stops emitting
// events and marks itself failed at the next check; in-flight calls complete
// but their results are discarded.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. Safe to call multiple times.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been tripped.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
