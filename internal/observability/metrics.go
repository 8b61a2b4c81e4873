package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus series. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordLLMRequest("openai", "gpt-4o", "success", 1.2, 100, 40)
type Metrics struct {
	// AgentRuns counts runner invocations.
	// Labels: mode, provider, status (success|error|stopped)
	AgentRuns *prometheus.CounterVec

	// AgentRunDuration measures a full runner invocation in seconds.
	// Labels: mode
	AgentRunDuration *prometheus.HistogramVec

	// LoopEvaluations counts evaluator verdicts.
	// Labels: verdict (finish|continue|error)
	LoopEvaluations *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RateLimitWait measures time spent in the request throttle.
	RateLimitWait prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RenderFlushes counts renderer buffer flushes.
	// Labels: reason (timer|size|end)
	RenderFlushes *prometheus.CounterVec

	// RenderBytes counts bytes pushed to the output view.
	RenderBytes prometheus.Counter

	// RenderMemoryCleanups counts memory guard rebuilds.
	RenderMemoryCleanups prometheus.Counter

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all series and registers them with reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AgentRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_agent_runs_total",
				Help: "Total number of agent runs by mode, provider and status",
			},
			[]string{"mode", "provider", "status"},
		),

		AgentRunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pygpt_agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		LoopEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_loop_evaluations_total",
				Help: "Total number of evaluation verdicts by outcome",
			},
			[]string{"verdict"},
		),

		LLMRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pygpt_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RateLimitWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pygpt_rate_limit_wait_seconds",
				Help:    "Time spent waiting for the request throttle",
				Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),

		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pygpt_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RenderFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_render_flushes_total",
				Help: "Total number of renderer buffer flushes by reason",
			},
			[]string{"reason"},
		),

		RenderBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pygpt_render_bytes_total",
				Help: "Total bytes pushed to the output view",
			},
		),

		RenderMemoryCleanups: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pygpt_render_memory_cleanups_total",
				Help: "Total number of output view rebuilds triggered by the memory guard",
			},
		),

		ErrorCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pygpt_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		DatabaseQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pygpt_database_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// RecordAgentRun records one finished runner invocation.
func (m *Metrics) RecordAgentRun(mode, provider, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(mode, provider, status).Inc()
	m.AgentRunDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordEvaluation records an evaluator verdict.
func (m *Metrics) RecordEvaluation(verdict string) {
	if m == nil {
		return
	}
	m.LoopEvaluations.WithLabelValues(verdict).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRateLimitWait records time spent in the throttle.
func (m *Metrics) RecordRateLimitWait(seconds float64) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(seconds)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordFlush records a renderer flush of n bytes.
func (m *Metrics) RecordFlush(reason string, n int) {
	if m == nil {
		return
	}
	m.RenderFlushes.WithLabelValues(reason).Inc()
	if n > 0 {
		m.RenderBytes.Add(float64(n))
	}
}

// RecordMemoryCleanup records a memory guard rebuild.
func (m *Metrics) RecordMemoryCleanup() {
	if m == nil {
		return
	}
	m.RenderMemoryCleanups.Inc()
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordDatabaseQuery records the latency of one store query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
