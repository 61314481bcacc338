package maestro

import (
	"context"
	"testing"
	"time"
)

func TestWithRateLimitRPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("got %q, want %q", resp.Content, "a")
	}
}

func TestWithRateLimitRPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	// One request per minute. The second call must block.
	p := WithRateLimit(stub, RPM(1))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d calls, want 1", stub.callCount())
	}
}

func TestWithRateLimitTPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d calls, want 2", stub.callCount())
	}
}

func TestWithRateLimitTPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 500, OutputTokens: 500}}},
		{resp: ChatResponse{Content: "b"}},
	}}
	// The first call fills the whole token budget for the minute.
	p := WithRateLimit(stub, TPM(1000))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimitRPMAndTPM(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
	}}
	// RPM generous, TPM tight: the token budget is the bottleneck.
	p := WithRateLimit(stub, RPM(100), TPM(20))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected timeout from the token budget")
	}
}

func TestWithRateLimitNoLimitsIsPassthrough(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub)

	for i := 0; i < 2; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d calls, want 2", stub.callCount())
	}
}

func TestWithRateLimitFailedCallNotCharged(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: E(CodeProvider, "boom")},
		{resp: ChatResponse{Content: "b"}},
	}}
	// TPM budget is tiny; a failed call must not consume it.
	p := WithRateLimit(stub, TPM(1))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected provider error")
	}
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("second call blocked by a failed call: %v", err)
	}
}

func TestWithRateLimitDelegates(t *testing.T) {
	stub := &stubProvider{name: "primary"}
	p := WithRateLimit(stub, RPM(10))
	if p.Name() != "primary" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.Model() != "stub-model" {
		t.Errorf("Model() = %q", p.Model())
	}
	if !p.Available() {
		t.Error("Available() = false")
	}
}
