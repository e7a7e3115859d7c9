// Package steps implements the executable step graph nodes.
//
// Every step kind shares one execution contract (Step.Execute): conditions
// are checked first, then the kind-specific behavior runs with exactly one
// retry, token usage is recorded and the status machine advances.
package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aretw0/parley/internal/llm"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/internal/slots"
	"github.com/aretw0/parley/pkg/definition"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Env carries the collaborators a step needs to run in one conversation.
type Env struct {
	AgentID   string
	Slots     *slots.Resolver
	Usage     ports.UsageRecorder
	LLM       *llm.Core
	Retriever ports.Retriever
	HTTP      ports.HTTPDoer
	Hooks     domain.LifecycleHooks
	Logger    *slog.Logger
}

// Behavior is the kind-specific part of a step. The set of behaviors is
// closed; see the constructors in this package.
type Behavior interface {
	run(ctx context.Context, s *Step, env *Env, partial string) (outcome, error)
}

type outcome struct {
	content Content
	usage   domain.Usage
	wait    bool
}

// Step is a compiled, mutable node of the step graph.
type Step struct {
	id         string
	kind       definition.Kind
	conditions []domain.Condition
	behavior   Behavior

	status  domain.StepStatus
	pending *string
}

// New creates a step in the NotStarted status.
func New(id string, kind definition.Kind, conditions []domain.Condition, b Behavior) *Step {
	return &Step{
		id:         id,
		kind:       kind,
		conditions: conditions,
		behavior:   b,
		status:     domain.StatusNotStarted,
	}
}

func (s *Step) ID() string                     { return s.id }
func (s *Step) Kind() definition.Kind          { return s.kind }
func (s *Step) Conditions() []domain.Condition { return s.conditions }
func (s *Step) Behavior() Behavior             { return s.behavior }
func (s *Step) Status() domain.StepStatus      { return s.status }

// SetStatus overrides the status, e.g. when restoring persisted state or
// completing a step that waited for input.
func (s *Step) SetStatus(st domain.StepStatus) { s.status = st }

// Pending returns the partial response kept from an interrupted run.
func (s *Step) Pending() *string { return s.pending }

// SetPending stores a partial response to be continued by the next run.
func (s *Step) SetPending(p *string) { s.pending = p }

// Reset clears any pending partial response and returns to NotStarted.
func (s *Step) Reset() {
	s.pending = nil
	s.status = domain.StatusNotStarted
	if c, ok := s.behavior.(*CombinedBehavior); ok {
		for _, child := range c.Children {
			child.Reset()
		}
	}
}

// Execute runs the step. Unmet conditions return Skipped with no side
// effect. A failing behavior is retried exactly once; a second failure leaves
// the step in Error and returns a *domain.StepExecutionError. A combined
// step is not retried on top of its children and returns the failing
// child's error as is.
func (s *Step) Execute(ctx context.Context, env *Env) (Content, error) {
	logger := env.logger().With("step", s.id, "kind", s.kind)

	met, err := env.Slots.Met(ctx, s.conditions)
	if err != nil {
		var ce *domain.ConditionEvaluationError
		if !errors.As(err, &ce) {
			return nil, err
		}
		logger.Debug("condition not met", "reason", ce.Reason)
	}
	if !met {
		env.Hooks.StepFinished(ctx, s.event(env, time.Now(), true, nil))
		return Skipped, nil
	}

	if !domain.CanTransition(s.status, domain.StatusRunning) {
		s.Reset()
	}
	s.status = domain.StatusRunning
	partial := ""
	if s.pending != nil {
		partial = *s.pending
		s.pending = nil
	}

	start := time.Now()
	ctx, span := startStepSpan(ctx, env, s)
	env.Hooks.StepStarted(ctx, s.event(env, start, false, nil))

	out, err := s.behavior.run(ctx, s, env, partial)
	if err != nil && !isChildFailure(err) {
		logger.Warn("step failed, retrying once", "err", err)
		out, err = s.behavior.run(ctx, s, env, partial)
	}
	if err != nil {
		s.status = domain.StatusError
		if partial != "" {
			s.pending = &partial
		}
		var child *childFailure
		if errors.As(err, &child) {
			err = child.err
		} else {
			err = &domain.StepExecutionError{StepID: s.id, Err: err}
		}
		env.Hooks.StepFinished(ctx, s.event(env, start, false, err))
		endStepSpan(span, s.status, err)
		return nil, err
	}

	if !out.usage.IsZero() && env.Usage != nil {
		if uerr := env.Usage.IncrementUsage(ctx, env.Slots.Identity(), out.usage); uerr != nil {
			logger.Error("failed to record usage", "err", uerr)
		}
	}

	if out.wait {
		s.status = domain.StatusWaitingForInput
	} else {
		s.status = domain.StatusCompleted
	}
	env.Hooks.StepFinished(ctx, s.event(env, start, false, nil))
	endStepSpan(span, s.status, nil)
	return out.content, nil
}

// childFailure carries the error of a nested step that already went through
// its own retry.
type childFailure struct{ err error }

func (e *childFailure) Error() string { return e.err.Error() }
func (e *childFailure) Unwrap() error { return e.err }

func isChildFailure(err error) bool {
	var child *childFailure
	return errors.As(err, &child)
}

func (s *Step) event(env *Env, start time.Time, skipped bool, err error) *domain.StepEvent {
	e := &domain.StepEvent{
		Timestamp:      time.Now(),
		ConversationID: env.Slots.Identity().ConversationID,
		AgentID:        env.AgentID,
		StepID:         s.id,
		Kind:           string(s.kind),
		Status:         s.status,
		Skipped:        skipped,
		Err:            err,
	}
	if !skipped {
		e.Duration = time.Since(start)
	}
	return e
}

func (env *Env) logger() *slog.Logger {
	if env.Logger == nil {
		return logging.NewNop()
	}
	return env.Logger
}
