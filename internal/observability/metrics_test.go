package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordAgentRun("agent", "react", "success", 1)
	m.RecordEvaluation("finish")
	m.RecordLLMRequest("openai", "gpt-4o", "success", 1, 10, 10)
	m.RecordRateLimitWait(0.5)
	m.RecordToolExecution("cmd", "success", 0.1)
	m.RecordFlush("timer", 10)
	m.RecordMemoryCleanup()
	m.RecordError("agent", "timeout")
	m.RecordDatabaseQuery("select", "ctx_meta", 0.01)
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAgentRun("agent", "react", "success", 2)
	m.RecordAgentRun("agent", "react", "success", 3)
	m.RecordAgentRun("expert", "planner", "error", 1)
	if got := testutil.ToFloat64(m.AgentRuns.WithLabelValues("agent", "react", "success")); got != 2 {
		t.Errorf("agent runs = %v, want 2", got)
	}

	m.RecordLLMRequest("anthropic", "claude", "success", 1.5, 100, 0)
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.CollectAndCount(m.LLMTokensUsed); got != 1 {
		t.Errorf("token series = %d, want 1 (zero completion skipped)", got)
	}

	m.RecordFlush("size", 512)
	m.RecordFlush("timer", 0)
	if got := testutil.ToFloat64(m.RenderBytes); got != 512 {
		t.Errorf("render bytes = %v, want 512", got)
	}
	if got := testutil.ToFloat64(m.RenderFlushes.WithLabelValues("timer")); got != 1 {
		t.Errorf("timer flushes = %v, want 1", got)
	}
}
