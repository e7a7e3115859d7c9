package domain

import (
	"errors"
	"fmt"
)

// Compile-time failures, wrapped in a *CompileError.
var (
	// ErrMissingPrefix is returned when a step needs a preamble constant that is not defined.
	ErrMissingPrefix = errors.New("missing prefix constant")
	// ErrExpectedString is returned when a prefix constant is not a string.
	ErrExpectedString = errors.New("expected string constant")
	// ErrExpectedFloat is returned when a temperature constant is not a number.
	ErrExpectedFloat = errors.New("expected float constant")
	// ErrUnknownStep is returned when a step id is referenced but never defined.
	ErrUnknownStep = errors.New("unknown step")
	// ErrDuplicateStep is returned when two steps share an id.
	ErrDuplicateStep = errors.New("duplicate step id")
	// ErrMissingDocuments is returned when a retrieval step has no document scope.
	ErrMissingDocuments = errors.New("missing documents configuration")
)

// Runtime failures.
var (
	// ErrUnexpectedResponseFormat is returned when the provider reply lacks the required tool call or text.
	ErrUnexpectedResponseFormat = errors.New("unexpected response format")
	// ErrTimeout is returned when an external call exceeds its attempt or total timeout.
	ErrTimeout = errors.New("timeout")
	// ErrConversationNotFound is returned when no state exists for a conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrAgentNotFound is returned when a definition id cannot be loaded.
	ErrAgentNotFound = errors.New("agent not found")
)

// CompileError reports a broken agent definition.
type CompileError struct {
	StepID string
	Err    error
}

func (e *CompileError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("compile: %v", e.Err)
	}
	return fmt.Sprintf("compile step %q: %v", e.StepID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ConditionEvaluationError explains why a condition could not be evaluated.
// Callers treat it as "not met".
type ConditionEvaluationError struct {
	Condition Condition
	Reason    string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %s: %s", e.Condition, e.Reason)
}

// StepExecutionError is returned when a step failed after its retry.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// SlotNotFoundError is returned when a required slot is unset.
type SlotNotFoundError struct {
	Path SlotPath
}

func (e *SlotNotFoundError) Error() string {
	return fmt.Sprintf("slot %s not found", e.Path)
}
