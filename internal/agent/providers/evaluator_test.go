package providers

import (
	"context"
	"testing"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		call   models.ToolCall
		want   agent.EvaluationResult
		wantOK bool
	}{
		{
			name:   "feedback",
			call:   models.ToolCall{Name: FeedbackTool, Arguments: `{"score": 60, "instruction": "cite sources"}`},
			want:   agent.EvaluationResult{Score: 60, Instruction: "cite sources"},
			wantOK: true,
		},
		{
			name:   "score clamped",
			call:   models.ToolCall{Name: FeedbackTool, Arguments: `{"score": 140}`},
			want:   agent.EvaluationResult{Score: 100},
			wantOK: true,
		},
		{
			name:   "abort",
			call:   models.ToolCall{Name: AbortTool, Arguments: `{"reason": "no answer"}`},
			want:   agent.EvaluationResult{Score: -1},
			wantOK: true,
		},
		{name: "malformed feedback", call: models.ToolCall{Name: FeedbackTool, Arguments: `{score`}},
		{name: "other tool", call: models.ToolCall{Name: "read_file", Arguments: `{}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := parseVerdict(tt.call)
			if ok != tt.wantOK {
				t.Fatalf("parseVerdict() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got, _ := out.Value.(agent.EvaluationResult); got != tt.want {
				t.Errorf("Value = %+v, want %+v", out.Value, tt.want)
			}
		})
	}
}

func TestEvaluatorTools_Schema(t *testing.T) {
	specs := evaluatorTools()
	if len(specs) != 2 || specs[0].Name != FeedbackTool || specs[1].Name != AbortTool {
		t.Fatalf("evaluatorTools() = %+v", specs)
	}
	props, _ := specs[0].Parameters["properties"].(map[string]any)
	for _, name := range []string{"score", "instruction"} {
		if _, ok := props[name]; !ok {
			t.Errorf("feedback schema misses %q: %v", name, specs[0].Parameters)
		}
	}
}

func TestEvaluator_ReportsVerdictAsToolOutput(t *testing.T) {
	model := &scriptedLLM{replies: []llm.Response{
		toolReply("", models.ToolCall{ID: "c1", Name: FeedbackTool, Arguments: `{"score": 30, "instruction": "add examples"}`}),
	}}
	exec, err := NewEvaluator().Build(context.Background(), buildOptions(model, nil))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	a := exec.(agent.StepExecution).Agent
	task, _ := a.CreateTask(context.Background(), "judge this")
	out, err := a.RunStep(context.Background(), task)
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !out.IsLast || len(out.ToolOutputs) != 1 {
		t.Fatalf("RunStep() = %+v", out)
	}
	if got := out.ToolOutputs[0].Value; got != (agent.EvaluationResult{Score: 30, Instruction: "add examples"}) {
		t.Errorf("verdict = %+v", got)
	}
	if req := model.request(0); req.System != evaluatorInstruction || len(req.Tools) != 2 {
		t.Errorf("request system=%q tools=%d", req.System, len(req.Tools))
	}
}
