package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    []agent.SubTask
		wantErr bool
	}{
		{
			name:  "plain json",
			reply: `{"sub_tasks": [{"name": "a", "input": "find it"}]}`,
			want:  []agent.SubTask{{Name: "a", Input: "find it"}},
		},
		{
			name:  "fenced relaxed json",
			reply: "Here is the plan:\n```json\n{sub_tasks: [{name: 'a', input: 'one',}, {input: 'two', dependencies: ['a'],},],}\n```",
			want: []agent.SubTask{
				{Name: "a", Input: "one"},
				{Name: "task_2", Input: "two", Dependencies: []string{"a"}},
			},
		},
		{
			name:  "empty inputs dropped",
			reply: `{"sub_tasks": [{"name": "a", "input": " "}, {"name": "b", "input": "keep"}]}`,
			want:  []agent.SubTask{{Name: "b", Input: "keep"}},
		},
		{name: "no object", reply: "I cannot plan this.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePlan(tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); !tt.wantErr && diff != "" {
				t.Errorf("parsePlan() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanner_RunsSubTasksWithDependencies(t *testing.T) {
	model := &scriptedLLM{replies: []llm.Response{
		toolReply(`{"sub_tasks": [{"name": "fetch", "input": "read a"}, {"name": "sum", "input": "summarize", "expected_output": "one line", "dependencies": ["fetch"]}]}`),
		toolReply("", readFileCall("c1", "a")),
		toolReply("Thought: done\nAnswer: a holds 7"),
		toolReply("Answer: seven"),
	}}
	set := fileTools(map[string]string{"a": "7"})
	exec, err := NewPlanner(0).Build(context.Background(), buildOptions(model, set))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pa := exec.(agent.PlanExecution).Agent
	ctx := context.Background()

	plan, err := pa.CreatePlan(ctx, "what is in a?")
	if err != nil || len(plan.SubTasks) != 2 {
		t.Fatalf("CreatePlan() = %+v, %v", plan, err)
	}

	var finals []string
	for _, sub := range plan.SubTasks {
		for {
			out, err := pa.RunStep(ctx, plan, sub)
			if err != nil {
				t.Fatalf("RunStep(%s) error = %v", sub.Name, err)
			}
			if out.IsLast {
				break
			}
		}
		final, err := pa.FinalizeSubtask(ctx, plan, sub)
		if err != nil {
			t.Fatalf("FinalizeSubtask(%s) error = %v", sub.Name, err)
		}
		finals = append(finals, final)
	}
	if diff := cmp.Diff([]string{"a holds 7", "seven"}, finals); diff != "" {
		t.Errorf("finals (-want +got):\n%s", diff)
	}

	// the second sub-task sees the first result
	req := model.request(3)
	input := req.Messages[len(req.Messages)-1].Content
	for _, part := range []string{"summarize", "Expected output: one line", "Result of fetch:\na holds 7"} {
		if !strings.Contains(input, part) {
			t.Errorf("sub-task input %q misses %q", input, part)
		}
	}
}

func TestPlanner_FallsBackToSingleTask(t *testing.T) {
	model := &scriptedLLM{replies: []llm.Response{toolReply("no plan today")}}
	exec, _ := NewPlanner(0).Build(context.Background(), buildOptions(model, nil))
	plan, err := exec.(agent.PlanExecution).Agent.CreatePlan(context.Background(), "just do it")
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if len(plan.SubTasks) != 1 || plan.SubTasks[0].Input != "just do it" {
		t.Errorf("plan = %+v, want the input as the only sub-task", plan.SubTasks)
	}
}
