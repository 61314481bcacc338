package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/nevindra/maestro"
)

// Provider implements maestro.Provider against the OpenAI chat completions
// endpoint. The /chat/completions path is appended to the configured base
// URL.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string

	mu    sync.RWMutex
	model string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the registry name (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
func New(baseURL, apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ maestro.Provider = (*Provider)(nil)

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Available reports whether the provider has credentials. Local backends
// (Ollama, vLLM) accept an empty key, so only the base URL is required.
func (p *Provider) Available() bool { return p.baseURL != "" }

// Model returns the currently selected model.
func (p *Provider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// SetModel switches the model for subsequent requests.
func (p *Provider) SetModel(model string) {
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
}

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req maestro.ChatRequest) (maestro.ChatResponse, error) {
	body := p.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return maestro.ChatResponse{}, maestro.E(maestro.CodeProvider, "%s: marshal request: %v", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return maestro.ChatResponse{}, maestro.E(maestro.CodeProvider, "%s: create request: %v", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return maestro.ChatResponse{}, maestro.E(maestro.CodeProvider, "%s: %v", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return maestro.ChatResponse{}, p.httpErr(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		e := maestro.E(maestro.CodeProvider, "%s: decode response: %v", p.name, err)
		e.Retryable = false
		return maestro.ChatResponse{}, e
	}
	return p.parseResponse(cr)
}

// buildBody translates the uniform request into the OpenAI wire format. The
// system prompt becomes the leading system message.
func (p *Provider) buildBody(req maestro.ChatRequest) chatBody {
	body := chatBody{
		Model:     p.Model(),
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wire := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, toolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, wire)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// parseResponse maps the first choice onto the uniform response shape.
func (p *Provider) parseResponse(cr chatResponse) (maestro.ChatResponse, error) {
	if len(cr.Choices) == 0 {
		e := maestro.E(maestro.CodeProvider, "%s: empty choices", p.name)
		e.Retryable = false
		return maestro.ChatResponse{}, e
	}
	ch := cr.Choices[0]
	out := maestro.ChatResponse{StopReason: mapFinishReason(ch.FinishReason)}
	if ch.Message != nil {
		out.Content = ch.Message.Content
		if out.Content == "" && ch.Message.Refusal != "" {
			out.Content = ch.Message.Refusal
		}
		for _, tc := range ch.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, maestro.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	if cr.Usage != nil {
		out.Usage = maestro.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// mapFinishReason translates OpenAI finish reasons into the uniform
// vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return reason
	}
}

// httpErr reads the response body and returns a provider error. 429, 503,
// and 5xx statuses are retryable.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	e := maestro.E(maestro.CodeProvider, "%s: status %d: %s", p.name, resp.StatusCode, bytes.TrimSpace(body))
	e.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return e
}
