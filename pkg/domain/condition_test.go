package domain_test

import (
	"errors"
	"testing"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func ptr(v domain.Value) *domain.Value { return &v }

func TestCondition_Evaluate(t *testing.T) {
	level := domain.MustSlotPath("session.level")

	tests := []struct {
		name   string
		cond   domain.Condition
		actual *domain.Value
		want   bool
		errs   bool
	}{
		{"exists set", domain.Condition{Slot: level, Op: domain.OpExists}, ptr(domain.Number(1)), true, false},
		{"exists null", domain.Condition{Slot: level, Op: domain.OpExists}, ptr(domain.Null()), false, false},
		{"exists missing", domain.Condition{Slot: level, Op: domain.OpExists}, nil, false, false},
		{"equals", domain.Condition{Slot: level, Op: domain.OpEquals, Value: domain.String("a")}, ptr(domain.String("a")), true, false},
		{"equals mixed kinds", domain.Condition{Slot: level, Op: domain.OpEquals, Value: domain.Number(1)}, ptr(domain.String("1")), false, false},
		{"not equals", domain.Condition{Slot: level, Op: domain.OpNotEquals, Value: domain.String("a")}, ptr(domain.String("b")), true, false},
		{"greater", domain.Condition{Slot: level, Op: domain.OpGreaterThan, Value: domain.Number(2)}, ptr(domain.Number(3)), true, false},
		{"less or equal", domain.Condition{Slot: level, Op: domain.OpLessOrEqual, Value: domain.Number(3)}, ptr(domain.Number(3)), true, false},
		{"greater or equal", domain.Condition{Slot: level, Op: domain.OpGreaterOrEqual, Value: domain.Number(4)}, ptr(domain.Number(3)), false, false},
		{"less", domain.Condition{Slot: level, Op: domain.OpLessThan, Value: domain.String("b")}, ptr(domain.String("a")), true, false},
		{"missing slot fails closed", domain.Condition{Slot: level, Op: domain.OpEquals, Value: domain.Number(1)}, nil, false, true},
		{"mistyped fails closed", domain.Condition{Slot: level, Op: domain.OpGreaterThan, Value: domain.Number(1)}, ptr(domain.String("x")), false, true},
		{"unknown op", domain.Condition{Slot: level, Op: "between"}, ptr(domain.Number(1)), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(tt.actual)
			assert.Equal(t, tt.want, got)
			if tt.errs {
				var ce *domain.ConditionEvaluationError
				assert.True(t, errors.As(err, &ce))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergeConditions(t *testing.T) {
	a := domain.Condition{Slot: domain.MustSlotPath("a"), Op: domain.OpExists}
	b := domain.Condition{Slot: domain.MustSlotPath("b"), Op: domain.OpExists}
	merged := domain.MergeConditions([]domain.Condition{a}, []domain.Condition{a, b})
	assert.Equal(t, []domain.Condition{a, b}, merged)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.StatusNotStarted, domain.StatusRunning))
	assert.True(t, domain.CanTransition(domain.StatusError, domain.StatusRunning))
	assert.True(t, domain.CanTransition(domain.StatusWaitingForInput, domain.StatusRunning))
	assert.False(t, domain.CanTransition(domain.StatusCompleted, domain.StatusRunning))
	assert.True(t, domain.CanTransition(domain.StatusRunning, domain.StatusError))
	assert.False(t, domain.CanTransition(domain.StatusNotStarted, domain.StatusCompleted))
	assert.True(t, domain.CanTransition(domain.StatusWaitingForInput, domain.StatusCompleted))
}

func TestMemoryQuery_Apply(t *testing.T) {
	entries := []domain.MemoryEntry{
		{ID: "1", StepID: "a"}, {ID: "2", StepID: "b"}, {ID: "3", StepID: "a"}, {ID: "4", StepID: "a"},
	}
	got := domain.MemoryQuery{StepIDs: []string{"a"}, Limit: 2}.Apply(entries)
	assert.Equal(t, []string{"3", "4"}, []string{got[0].ID, got[1].ID})
	assert.Len(t, domain.MemoryQuery{}.Apply(entries), 4)
}

func TestConversationState_TakePending(t *testing.T) {
	p := "partial"
	s := domain.ConversationState{PendingResponse: &p}
	got, ok := s.TakePending()
	assert.True(t, ok)
	assert.Equal(t, "partial", got)
	_, ok = s.TakePending()
	assert.False(t, ok, "pending response is consumed once")
}
