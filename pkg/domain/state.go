package domain

import "time"

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StatusNotStarted      StepStatus = "not_started"
	StatusRunning         StepStatus = "running"
	StatusWaitingForInput StepStatus = "waiting_for_input" // held until the user replies
	StatusCompleted       StepStatus = "completed"
	StatusError           StepStatus = "error" // retry exhausted, reruns next turn
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusRunning, StatusWaitingForInput, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from → to.
//
//	{not_started, error, waiting_for_input} → running
//	running → {waiting_for_input, completed, error}
//
// Resetting to not_started and completing a held step are always allowed.
func CanTransition(from, to StepStatus) bool {
	switch to {
	case StatusNotStarted:
		return true
	case StatusRunning:
		return from == StatusNotStarted || from == StatusError || from == StatusWaitingForInput
	case StatusWaitingForInput, StatusError:
		return from == StatusRunning
	case StatusCompleted:
		return from == StatusRunning || from == StatusWaitingForInput
	}
	return false
}

// ConversationState is the only engine state that survives between turns.
// It is written after every status transition.
type ConversationState struct {
	CurrentStepID string     `json:"current_step_id"`
	Status        StepStatus `json:"status"`

	// PendingResponse holds a partial LLM reply interrupted by an error.
	// It is consumed by the next run of the same step and then cleared.
	PendingResponse *string `json:"pending_response,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TakePending returns the pending partial response and clears it.
func (s *ConversationState) TakePending() (string, bool) {
	if s.PendingResponse == nil {
		return "", false
	}
	p := *s.PendingResponse
	s.PendingResponse = nil
	return p, true
}
