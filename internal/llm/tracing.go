package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/parley/pkg/domain"
)

var tracer = otel.Tracer("github.com/aretw0/parley/internal/llm")

// startCallSpan starts a span for one provider call.
func startCallSpan(ctx context.Context, call Call, model string, streaming bool) (context.Context, trace.Span) {
	name := "llm.invoke"
	if streaming {
		name = "llm.stream"
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("llm.step", call.StepID),
		attribute.String("llm.model", model),
	)
	return ctx, span
}

// endCallSpan ends the call span with usage info.
func endCallSpan(span trace.Span, usage domain.Usage, err error) {
	span.SetAttributes(
		attribute.Int64("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int64("llm.completion_tokens", usage.CompletionTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
