package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
)

func TestReAct_ToolCycleThenAnswer(t *testing.T) {
	model := &scriptedLLM{replies: []llm.Response{
		toolReply("I need the file.", readFileCall("call-1", "notes.txt")),
		toolReply("Thought: the file says 42\nAnswer: 42"),
	}}
	opts := buildOptions(model, fileTools(map[string]string{"notes.txt": "the answer is 42"}))
	opts.SystemPrompt = "be brief"

	exec, err := NewReAct(0).Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	step, ok := exec.(agent.StepExecution)
	if !ok {
		t.Fatalf("Build() = %T, want StepExecution", exec)
	}

	ctx := context.Background()
	task, err := step.Agent.CreateTask(ctx, "what is the answer?")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	first, err := step.Agent.RunStep(ctx, task)
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if first.IsLast {
		t.Fatal("first step is last, want a tool step")
	}
	want := []agent.ToolOutput{{Tool: "read_file", Args: map[string]any{"path": "notes.txt"}, Output: "the answer is 42"}}
	if diff := cmp.Diff(want, first.ToolOutputs); diff != "" {
		t.Errorf("tool outputs (-want +got):\n%s", diff)
	}
	if !strings.Contains(first.Output, "```tool") {
		t.Errorf("step output = %q, want the tool call block", first.Output)
	}

	second, err := step.Agent.RunStep(ctx, task)
	if err != nil || !second.IsLast {
		t.Fatalf("RunStep() = %+v, %v; want the last step", second, err)
	}
	answer, err := step.Agent.FinalizeResponse(ctx, task)
	if err != nil || answer != "42" {
		t.Errorf("FinalizeResponse() = %q, %v; want 42", answer, err)
	}

	req := model.request(1)
	if req.Messages[0].Role != llm.RoleSystem || !strings.HasPrefix(req.Messages[0].Content, "be brief") {
		t.Errorf("first message = %+v, want the system prompt", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call-1" || last.Content != "the answer is 42" {
		t.Errorf("last message = %+v, want the tool result", last)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestReAct_ToolFailures(t *testing.T) {
	tests := []struct {
		name string
		call string
		want string
	}{
		{name: "unknown tool", call: "delete_all", want: `error: unknown tool "delete_all"`},
		{name: "tool error", call: "read_file", want: "error: no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := readFileCall("c1", "missing.txt")
			call.Name = tt.call
			model := &scriptedLLM{replies: []llm.Response{toolReply("", call)}}
			a := newReactAgent(buildOptions(model, fileTools(nil)), fileTools(nil), 5)
			task, _ := a.CreateTask(context.Background(), "go")
			out, err := a.RunStep(context.Background(), task)
			if err != nil {
				t.Fatalf("RunStep() error = %v", err)
			}
			if len(out.ToolOutputs) != 1 || out.ToolOutputs[0].Output != tt.want {
				t.Errorf("tool outputs = %+v, want %q", out.ToolOutputs, tt.want)
			}
		})
	}
}

func TestReAct_MaxSteps(t *testing.T) {
	model := &scriptedLLM{replies: []llm.Response{
		toolReply("one", readFileCall("c1", "a")),
		toolReply("two", readFileCall("c2", "a")),
	}}
	a := newReactAgent(buildOptions(model, fileTools(map[string]string{"a": "x"})), fileTools(map[string]string{"a": "x"}), 2)
	task, _ := a.CreateTask(context.Background(), "loop")
	for i := 1; i <= 2; i++ {
		out, err := a.RunStep(context.Background(), task)
		if err != nil {
			t.Fatalf("RunStep() error = %v", err)
		}
		if out.IsLast != (i == 2) {
			t.Errorf("step %d IsLast = %v", i, out.IsLast)
		}
	}
	if answer, _ := a.FinalizeResponse(context.Background(), task); answer != "two" {
		t.Errorf("FinalizeResponse() = %q, want the last reply", answer)
	}
}

func TestBuild_RequiresLLM(t *testing.T) {
	providers := []agent.Provider{NewReAct(0), NewPlanner(0), NewReActWorkflow(0), NewOpenAIAgents(0), NewEvaluator()}
	for _, p := range providers {
		if _, err := p.Build(context.Background(), &agent.BuildOptions{}); err == nil {
			t.Errorf("%s.Build() without llm succeeded", p.ID())
		}
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(Config{}, nil)
	want := []string{AgentID, EvaluatorID, PlannerID, ReActID, WorkflowID}
	if diff := cmp.Diff(want, reg.IDs()); diff != "" {
		t.Errorf("IDs() (-want +got):\n%s", diff)
	}

	reg = NewRegistry(Config{AssistantID: "asst_1"}, &fakeAssistants{})
	if _, err := reg.Get(AssistantID); err != nil {
		t.Errorf("Get(%s) error = %v", AssistantID, err)
	}
}
