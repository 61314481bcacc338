package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nevindra/maestro"
)

// recordSpans installs an in-memory span recorder as the global tracer
// provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return sr
}

func attrValue(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

type fakeProvider struct {
	resp maestro.ChatResponse
	err  error
}

func (p fakeProvider) Chat(ctx context.Context, req maestro.ChatRequest) (maestro.ChatResponse, error) {
	return p.resp, p.err
}
func (p fakeProvider) Available() bool   { return true }
func (p fakeProvider) Model() string     { return "test-model" }
func (p fakeProvider) SetModel(m string) {}
func (p fakeProvider) Name() string      { return "fake" }

type fakeTool struct {
	result maestro.ToolResult
	err    error
}

func (ft fakeTool) Definition() maestro.ToolDefinition {
	return maestro.ToolDefinition{Name: "fake_tool", Parameters: json.RawMessage(`{}`)}
}
func (ft fakeTool) Execute(ctx context.Context, args json.RawMessage) (maestro.ToolResult, error) {
	return ft.result, ft.err
}

func TestWrapProviderEmitsChatSpan(t *testing.T) {
	sr := recordSpans(t)
	p := WrapProvider(fakeProvider{resp: maestro.ChatResponse{
		Content: "hi",
		Usage:   maestro.Usage{InputTokens: 10, OutputTokens: 3},
	}})

	if _, err := p.Chat(context.Background(), maestro.ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "llm.chat" {
		t.Errorf("span name = %q", span.Name())
	}
	if v, ok := attrValue(span, AttrLLMModel); !ok || v.AsString() != "test-model" {
		t.Errorf("llm.model = %v", v)
	}
	if v, ok := attrValue(span, AttrLLMProvider); !ok || v.AsString() != "fake" {
		t.Errorf("llm.provider = %v", v)
	}
	if v, ok := attrValue(span, AttrTokensInput); !ok || v.AsInt64() != 10 {
		t.Errorf("tokens.input = %v", v)
	}
	if v, ok := attrValue(span, AttrTokensOutput); !ok || v.AsInt64() != 3 {
		t.Errorf("tokens.output = %v", v)
	}
}

func TestWrapProviderToolSpanName(t *testing.T) {
	sr := recordSpans(t)
	p := WrapProvider(fakeProvider{})

	_, _ = p.Chat(context.Background(), maestro.ChatRequest{
		Tools: []maestro.ToolDefinition{{Name: "a"}, {Name: "b"}},
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Name() != "llm.chat_with_tools" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if v, ok := attrValue(spans[0], AttrToolCount); !ok || v.AsInt64() != 2 {
		t.Errorf("tool_count = %v", v)
	}
}

func TestWrapProviderRecordsError(t *testing.T) {
	sr := recordSpans(t)
	p := WrapProvider(fakeProvider{err: errors.New("backend down")})

	if _, err := p.Chat(context.Background(), maestro.ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v", spans[0].Status())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("no recorded error event")
	}
}

func TestWrapProviderDelegates(t *testing.T) {
	p := WrapProvider(fakeProvider{})
	if p.Name() != "fake" || p.Model() != "test-model" || !p.Available() {
		t.Errorf("delegation broken: %q %q %v", p.Name(), p.Model(), p.Available())
	}
}

func TestWrapToolStatus(t *testing.T) {
	cases := []struct {
		name   string
		tool   fakeTool
		status string
	}{
		{"ok", fakeTool{result: maestro.ToolResult{Content: "fine"}}, "ok"},
		{"tool error", fakeTool{result: maestro.ToolResult{Error: "bad args"}}, "tool_error"},
		{"hard error", fakeTool{err: errors.New("crashed")}, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sr := recordSpans(t)
			wrapped := WrapTool(tc.tool)

			_, _ = wrapped.Execute(context.Background(), json.RawMessage(`{}`))

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("spans = %d", len(spans))
			}
			span := spans[0]
			if span.Name() != "tool.execute" {
				t.Errorf("span name = %q", span.Name())
			}
			if v, ok := attrValue(span, AttrToolStatus); !ok || v.AsString() != tc.status {
				t.Errorf("tool.status = %v, want %q", v, tc.status)
			}
			if v, ok := attrValue(span, AttrToolName); !ok || v.AsString() != "fake_tool" {
				t.Errorf("tool.name = %v", v)
			}
		})
	}
}

func TestTracerConvertsAttrs(t *testing.T) {
	sr := recordSpans(t)
	tr := NewTracer()

	_, span := tr.Start(context.Background(), "op",
		maestro.SpanAttr{Key: "s", Value: "text"},
		maestro.SpanAttr{Key: "i", Value: 7},
		maestro.SpanAttr{Key: "i64", Value: int64(9)},
		maestro.SpanAttr{Key: "f", Value: 1.5},
		maestro.SpanAttr{Key: "b", Value: true},
		maestro.SpanAttr{Key: "other", Value: []string{"x"}},
	)
	span.Event("checkpoint", maestro.SpanAttr{Key: "n", Value: 1})
	span.Error(errors.New("boom"))
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	got := spans[0]
	if v, _ := attrValue(got, "s"); v.AsString() != "text" {
		t.Errorf("s = %v", v)
	}
	if v, _ := attrValue(got, "i"); v.AsInt64() != 7 {
		t.Errorf("i = %v", v)
	}
	if v, _ := attrValue(got, "f"); v.AsFloat64() != 1.5 {
		t.Errorf("f = %v", v)
	}
	if v, _ := attrValue(got, "b"); !v.AsBool() {
		t.Errorf("b = %v", v)
	}
	if v, _ := attrValue(got, "other"); v.AsString() != "[x]" {
		t.Errorf("other = %v", v)
	}
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v", got.Status())
	}
	var sawEvent bool
	for _, ev := range got.Events() {
		if ev.Name == "checkpoint" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("checkpoint event not recorded")
	}
}
