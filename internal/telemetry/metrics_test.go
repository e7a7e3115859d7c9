package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/parley/pkg/domain"
)

func TestHooksRecordSteps(t *testing.T) {
	m := NewMetrics()
	hooks := m.Hooks()
	ctx := context.Background()

	hooks.StepFinished(ctx, &domain.StepEvent{AgentID: "tutor", Kind: "message", Duration: time.Second})
	hooks.StepFinished(ctx, &domain.StepEvent{AgentID: "tutor", Kind: "message", Duration: time.Second})
	hooks.StepFinished(ctx, &domain.StepEvent{AgentID: "tutor", Kind: "extractor", Skipped: true})
	hooks.StepFinished(ctx, &domain.StepEvent{AgentID: "tutor", Kind: "extractor", Err: errors.New("boom")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("tutor", "message", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("tutor", "extractor", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("tutor", "extractor", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stepDuration), "one series per kind, skips not observed")
}

func TestHooksRecordLLMCalls(t *testing.T) {
	m := NewMetrics()
	hooks := m.Hooks()
	ctx := context.Background()

	hooks.LLMCalled(ctx, &domain.LLMEvent{Model: "gpt", Streaming: true, Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}})
	hooks.LLMCalled(ctx, &domain.LLMEvent{Model: "gpt", Err: errors.New("timeout")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("gpt", "true", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("gpt", "false", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.tokens.WithLabelValues("gpt", "prompt")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tokens.WithLabelValues("gpt", "completion")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.Hooks().StepFinished(context.Background(), &domain.StepEvent{AgentID: "a", Kind: "goto"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `parley_steps_total{agent_id="a",kind="goto",outcome="completed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
