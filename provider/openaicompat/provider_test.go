package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/maestro"
)

// capture records the last request the fake server saw.
type capture struct {
	path   string
	auth   string
	body   chatBody
	header http.Header
}

func newFakeServer(t *testing.T, status int, resp any) (*httptest.Server, *capture) {
	t.Helper()
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.path = r.URL.Path
		cap.auth = r.Header.Get("Authorization")
		cap.header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&cap.body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cap
}

func textResponse(content, finish string) chatResponse {
	return chatResponse{
		ID: "chatcmpl-1",
		Choices: []choice{{
			Message:      &choiceMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: &usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv, cap := newFakeServer(t, http.StatusOK, textResponse("hi there", "stop"))
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	resp, err := p.Chat(context.Background(), maestro.ChatRequest{
		System:      "be brief",
		Messages:    []maestro.ChatMessage{{Role: "user", Content: "hello"}},
		MaxTokens:   256,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if cap.path != "/chat/completions" {
		t.Errorf("path = %q", cap.path)
	}
	if cap.auth != "Bearer sk-test" {
		t.Errorf("auth = %q", cap.auth)
	}
	if cap.body.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cap.body.Model)
	}
	if cap.body.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", cap.body.MaxTokens)
	}
	if cap.body.Temperature == nil || *cap.body.Temperature != 0.2 {
		t.Errorf("temperature = %v", cap.body.Temperature)
	}
	if len(cap.body.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(cap.body.Messages))
	}
	if cap.body.Messages[0].Role != "system" || cap.body.Messages[0].Content != "be brief" {
		t.Errorf("system message = %+v", cap.body.Messages[0])
	}
	if cap.body.Messages[1].Role != "user" || cap.body.Messages[1].Content != "hello" {
		t.Errorf("user message = %+v", cap.body.Messages[1])
	}
}

func TestChatSkipsEmptyAuth(t *testing.T) {
	srv, cap := newFakeServer(t, http.StatusOK, textResponse("ok", "stop"))
	p := New(srv.URL, "", "llama3")

	if _, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if cap.auth != "" {
		t.Errorf("auth header set for empty key: %q", cap.auth)
	}
}

func TestChatSendsTools(t *testing.T) {
	srv, cap := newFakeServer(t, http.StatusOK, textResponse("ok", "stop"))
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	params := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	_, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "search"}},
		Tools:    []maestro.ToolDefinition{{Name: "web_search", Description: "search the web", Parameters: params}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(cap.body.Tools) != 1 {
		t.Fatalf("tools = %d", len(cap.body.Tools))
	}
	got := cap.body.Tools[0]
	if got.Type != "function" || got.Function.Name != "web_search" {
		t.Errorf("tool = %+v", got)
	}
	if string(got.Function.Parameters) != string(params) {
		t.Errorf("parameters = %s", got.Function.Parameters)
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	resp := chatResponse{
		Choices: []choice{{
			Message: &choiceMessage{
				Role: "assistant",
				ToolCalls: []toolCallRequest{{
					ID:   "call-7",
					Type: "function",
					Function: functionCall{
						Name:      "web_search",
						Arguments: `{"q":"golang"}`,
					},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}
	srv, _ := newFakeServer(t, http.StatusOK, resp)
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	got, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "search golang"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", got.StopReason)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call-7" || tc.Name != "web_search" {
		t.Errorf("tool call = %+v", tc)
	}
	if string(tc.Args) != `{"q":"golang"}` {
		t.Errorf("args = %s", tc.Args)
	}
}

func TestChatRoundTripsToolHistory(t *testing.T) {
	srv, cap := newFakeServer(t, http.StatusOK, textResponse("done", "stop"))
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	_, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{
			{Role: "user", Content: "search golang"},
			{Role: "assistant", ToolCalls: []maestro.ToolCall{{
				ID: "call-7", Name: "web_search", Args: json.RawMessage(`{"q":"golang"}`),
			}}},
			{Role: "tool", ToolCallID: "call-7", Content: `{"results":[]}`},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(cap.body.Messages) != 3 {
		t.Fatalf("messages = %d", len(cap.body.Messages))
	}
	asst := cap.body.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call-7" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"q":"golang"}` {
		t.Errorf("arguments = %q", asst.ToolCalls[0].Function.Arguments)
	}
	toolMsg := cap.body.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call-7" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"stop", "end_turn"},
		{"", "end_turn"},
		{"tool_calls", "tool_use"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tc := range cases {
		if got := mapFinishReason(tc.in); got != tc.want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChatHTTPErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newFakeServer(t, tc.status, map[string]string{"error": "nope"})
			p := New(srv.URL, "sk-test", "gpt-4o-mini")

			_, err := p.Chat(context.Background(), maestro.ChatRequest{
				Messages: []maestro.ChatMessage{{Role: "user", Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			var me *maestro.Error
			if !errors.As(err, &me) {
				t.Fatalf("error type = %T", err)
			}
			if me.Code != maestro.CodeProvider {
				t.Errorf("code = %q", me.Code)
			}
			if me.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", me.Retryable, tc.retryable)
			}
		})
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv, _ := newFakeServer(t, http.StatusOK, chatResponse{ID: "chatcmpl-1"})
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	_, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if maestro.IsRetryable(err) {
		t.Error("empty choices should not be retryable")
	}
}

func TestChatRefusalUsedAsContent(t *testing.T) {
	resp := chatResponse{
		Choices: []choice{{
			Message:      &choiceMessage{Role: "assistant", Refusal: "cannot help with that"},
			FinishReason: "stop",
		}},
	}
	srv, _ := newFakeServer(t, http.StatusOK, resp)
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	got, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Content != "cannot help with that" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestSetModel(t *testing.T) {
	srv, cap := newFakeServer(t, http.StatusOK, textResponse("ok", "stop"))
	p := New(srv.URL, "sk-test", "gpt-4o-mini")

	p.SetModel("gpt-4o")
	if p.Model() != "gpt-4o" {
		t.Errorf("Model() = %q", p.Model())
	}
	if _, err := p.Chat(context.Background(), maestro.ChatRequest{
		Messages: []maestro.ChatMessage{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if cap.body.Model != "gpt-4o" {
		t.Errorf("wire model = %q", cap.body.Model)
	}
}

func TestAvailable(t *testing.T) {
	if !New("http://localhost:11434/v1", "", "llama3").Available() {
		t.Error("local backend without key should be available")
	}
	if New("", "sk-test", "gpt-4o").Available() {
		t.Error("provider without base URL should not be available")
	}
}

func TestWithNameOption(t *testing.T) {
	p := New("http://example.invalid/v1", "k", "m", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("Name() = %q", p.Name())
	}
}
