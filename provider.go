package maestro

import (
	"context"
	"sync"
)

// Provider abstracts a chat model backend with tool-use support.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools is
	// non-empty the response may contain ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Available reports whether the backend is usable (credentials present,
	// endpoint reachable enough to try).
	Available() bool
	// Model returns the currently selected model identifier.
	Model() string
	// SetModel switches the model for subsequent requests.
	SetModel(model string)
	// Name returns the provider name (e.g. "openai", "local").
	Name() string
}

// StreamingProvider is an optional capability for providers that can stream.
// Check via type assertion.
type StreamingProvider interface {
	Provider
	// ChatStream streams chunks into ch, then returns the final response.
	// The channel is closed when streaming completes.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error)
}

// StreamChunkKind identifies a streaming chunk.
type StreamChunkKind string

const (
	ChunkText         StreamChunkKind = "text"
	ChunkToolUseStart StreamChunkKind = "tool_use_start"
	ChunkToolUseDelta StreamChunkKind = "tool_use_delta"
	ChunkToolUseEnd   StreamChunkKind = "tool_use_end"
	ChunkDone         StreamChunkKind = "done"
)

// StreamChunk is one unit of a streamed provider response.
type StreamChunk struct {
	Kind    StreamChunkKind `json:"kind"`
	Content string          `json:"content,omitempty"`
	ToolID  string          `json:"tool_id,omitempty"`
}

// ProviderRegistry stores providers by name with a default. Writes happen at
// startup only; reads are safe for concurrent use.
type ProviderRegistry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the default.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// SetDefault marks the named provider as the default.
func (r *ProviderRegistry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		r.defaultName = name
	}
}

// Get returns the provider by name, or nil if absent.
func (r *ProviderRegistry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Default returns the default provider, or an error when none is available.
func (r *ProviderRegistry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[r.defaultName]; ok && p.Available() {
		return p, nil
	}
	// Fall back to any available provider.
	for _, p := range r.providers {
		if p.Available() {
			return p, nil
		}
	}
	return nil, E(CodeProvider, "no provider available")
}

// Names returns the registered provider names.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// --- Model routing ---

// RouteFeatures summarizes a request for routing decisions.
type RouteFeatures struct {
	MessageLen int
	ToolCount  int
	Intent     string // "", "code", "research", ...
}

// RouteRule maps a predicate over request features to a provider name.
// Rules are evaluated in registration order; the first match wins.
type RouteRule struct {
	Name     string
	Match    func(f RouteFeatures) bool
	Provider string
}

// ModelRouter selects a provider per request via ordered predicate rules.
// If no rule matches, the registry default is used.
type ModelRouter struct {
	registry *ProviderRegistry
	rules    []RouteRule
}

// NewModelRouter creates a router over the given registry.
func NewModelRouter(reg *ProviderRegistry, rules ...RouteRule) *ModelRouter {
	return &ModelRouter{registry: reg, rules: rules}
}

// AddRule appends a rule. Call during startup only.
func (m *ModelRouter) AddRule(rule RouteRule) {
	m.rules = append(m.rules, rule)
}

// Route returns the provider for the given features. Rules naming an
// unavailable provider are skipped. Returns an error only when no provider
// at all is available.
func (m *ModelRouter) Route(f RouteFeatures) (Provider, error) {
	for _, rule := range m.rules {
		if rule.Match == nil || !rule.Match(f) {
			continue
		}
		if p := m.registry.Get(rule.Provider); p != nil && p.Available() {
			return p, nil
		}
	}
	return m.registry.Default()
}
