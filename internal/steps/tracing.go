package steps

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/parley/pkg/domain"
)

var tracer = otel.Tracer("github.com/aretw0/parley/internal/steps")

// startStepSpan starts a span for one step execution.
func startStepSpan(ctx context.Context, env *Env, s *Step) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "step."+string(s.kind))
	span.SetAttributes(
		attribute.String("step.id", s.id),
		attribute.String("agent.id", env.AgentID),
		attribute.String("conversation.id", env.Slots.Identity().ConversationID),
	)
	return ctx, span
}

// endStepSpan ends the step span with the resulting status.
func endStepSpan(span trace.Span, status domain.StepStatus, err error) {
	span.SetAttributes(attribute.String("step.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
