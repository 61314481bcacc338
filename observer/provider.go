package observer

import (
	"context"

	"github.com/nevindra/maestro"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a maestro.Provider with OTEL trace instrumentation.
type ObservedProvider struct {
	inner  maestro.Provider
	tracer trace.Tracer
}

// WrapProvider returns an instrumented provider that emits a span per chat
// call with model, provider, and token usage attributes.
func WrapProvider(inner maestro.Provider) *ObservedProvider {
	return &ObservedProvider{inner: inner, tracer: otel.Tracer(scopeName)}
}

var _ maestro.Provider = (*ObservedProvider)(nil)

func (o *ObservedProvider) Name() string      { return o.inner.Name() }
func (o *ObservedProvider) Available() bool   { return o.inner.Available() }
func (o *ObservedProvider) Model() string     { return o.inner.Model() }
func (o *ObservedProvider) SetModel(m string) { o.inner.SetModel(m) }

func (o *ObservedProvider) Chat(ctx context.Context, req maestro.ChatRequest) (maestro.ChatResponse, error) {
	spanName := "llm.chat"
	if len(req.Tools) > 0 {
		spanName = "llm.chat_with_tools"
	}
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()

	resp, err := o.inner.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
	)
	return resp, nil
}
