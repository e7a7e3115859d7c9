// Package telemetry turns engine lifecycle hooks into Prometheus metrics.
package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/parley/pkg/domain"
)

// Metrics holds the collectors fed by Hooks.
type Metrics struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	llmCalls     *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry, alongside the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_steps_total",
			Help: "Step executions by outcome (completed, skipped, failed).",
		}, []string{"agent_id", "kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_step_duration_seconds",
			Help:    "Duration of step executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_llm_calls_total",
			Help: "Provider calls by model and status.",
		}, []string{"model", "streaming", "status"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_llm_call_duration_seconds",
			Help:    "Duration of provider calls including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model", "streaming"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_llm_tokens_total",
			Help: "Tokens consumed by type (prompt, completion).",
		}, []string{"model", "type"}),
	}
	reg.MustRegister(
		m.steps, m.stepDuration, m.llmCalls, m.llmDuration, m.tokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns lifecycle hooks recording into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepFinish: m.stepFinished,
		OnLLMCall:    m.llmCalled,
	}
}

func (m *Metrics) stepFinished(_ context.Context, e *domain.StepEvent) {
	outcome := "completed"
	switch {
	case e.Err != nil:
		outcome = "failed"
	case e.Skipped:
		outcome = "skipped"
	}
	m.steps.WithLabelValues(e.AgentID, e.Kind, outcome).Inc()
	if !e.Skipped {
		m.stepDuration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
	}
}

func (m *Metrics) llmCalled(_ context.Context, e *domain.LLMEvent) {
	streaming := strconv.FormatBool(e.Streaming)
	status := "ok"
	if e.Err != nil {
		status = "error"
	}
	m.llmCalls.WithLabelValues(e.Model, streaming, status).Inc()
	m.llmDuration.WithLabelValues(e.Model, streaming).Observe(e.Duration.Seconds())
	if e.Usage.PromptTokens > 0 {
		m.tokens.WithLabelValues(e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
	}
	if e.Usage.CompletionTokens > 0 {
		m.tokens.WithLabelValues(e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
	}
}
