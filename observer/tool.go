package observer

import (
	"context"
	"encoding/json"

	"github.com/nevindra/maestro"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a maestro.Tool with OTEL trace instrumentation.
type ObservedTool struct {
	inner  maestro.Tool
	tracer trace.Tracer
}

// WrapTool returns an instrumented tool emitting a span per execution.
func WrapTool(inner maestro.Tool) *ObservedTool {
	return &ObservedTool{inner: inner, tracer: otel.Tracer(scopeName)}
}

var _ maestro.Tool = (*ObservedTool)(nil)

func (o *ObservedTool) Definition() maestro.ToolDefinition {
	return o.inner.Definition()
}

func (o *ObservedTool) Execute(ctx context.Context, args json.RawMessage) (maestro.ToolResult, error) {
	name := o.inner.Definition().Name
	ctx, span := o.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()

	result, err := o.inner.Execute(ctx, args)

	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)
	return result, err
}
