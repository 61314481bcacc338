package maestro

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool is a named, schema-described capability an agent can invoke.
type Tool interface {
	// Definition describes the tool: name, description, JSON-schema input,
	// confirmation requirement, and optional per-call cost.
	Definition() ToolDefinition
	// Execute runs the tool with the given JSON arguments. Tool-level
	// failures are reported in ToolResult.Error; the error return is
	// reserved for infrastructure failures (context cancellation etc.).
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry maps tool names to implementations. Registration happens at
// startup; lookups are safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under its definition name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Get returns the tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Manifest returns provider-facing definitions for the requested subset.
// Unknown names are silently omitted. A nil names slice returns everything.
func (r *ToolRegistry) Manifest(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if names == nil {
		defs := make([]ToolDefinition, 0, len(r.tools))
		for _, t := range r.tools {
			defs = append(defs, t.Definition())
		}
		return defs
	}
	var defs []ToolDefinition
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// Execute dispatches a tool call by name. An unknown name yields a ToolResult
// with a "tool not found" error, delivered back to the model and never
// propagated as a Go error.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, ok := r.Get(name)
	if !ok {
		return ToolResult{Error: "tool not found: " + name}, nil
	}
	return t.Execute(ctx, args)
}
