package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
)

const planInstruction = `Break the task into a short list of sub-tasks that can be done one after
another. Reply with JSON only, in the form:
{"sub_tasks": [{"name": "...", "input": "...", "expected_output": "...", "dependencies": ["<name of an earlier sub-task>"]}]}`

// Planner builds plan agents: one planning call, then a ReAct agent per
// sub-task.
type Planner struct {
	BaseProvider
	maxSteps int
}

// NewPlanner creates the planner provider.
func NewPlanner(maxSteps int) *Planner {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Planner{BaseProvider: NewBaseProvider(PlannerID, 0, 0), maxSteps: maxSteps}
}

// Build returns a plan execution.
func (p *Planner) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if err := requireLLM(opts); err != nil {
		return nil, err
	}
	return agent.PlanExecution{Agent: &planAgent{
		opts:     opts,
		maxSteps: p.maxSteps,
		agents:   make(map[string]*reactAgent),
		tasks:    make(map[string]*agent.Task),
		results:  make(map[string]string),
	}}, nil
}

type planAgent struct {
	opts     *agent.BuildOptions
	maxSteps int

	agents  map[string]*reactAgent
	tasks   map[string]*agent.Task
	results map[string]string
}

type planReply struct {
	SubTasks []agent.SubTask `json:"sub_tasks"`
}

func (a *planAgent) CreatePlan(ctx context.Context, input string) (*agent.TaskPlan, error) {
	msgs := withInstruction(a.opts.History, planInstruction)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
	resp, err := complete(ctx, a.opts, a.opts.SystemPrompt, msgs, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	subs, err := parsePlan(resp.Text)
	if err != nil || len(subs) == 0 {
		subs = []agent.SubTask{{Name: "task", Input: input}}
	}
	return &agent.TaskPlan{ID: uuid.NewString(), SubTasks: subs}, nil
}

// parsePlan reads the sub-task list from a model reply. The reply may wrap
// the JSON in prose or code fences and may use relaxed JSON syntax.
func parsePlan(text string) ([]agent.SubTask, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no plan object in reply")
	}
	var reply planReply
	if err := json5.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	subs := reply.SubTasks[:0]
	for i, sub := range reply.SubTasks {
		if strings.TrimSpace(sub.Input) == "" {
			continue
		}
		if sub.Name == "" {
			sub.Name = fmt.Sprintf("task_%d", i+1)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (a *planAgent) RunStep(ctx context.Context, _ *agent.TaskPlan, sub agent.SubTask) (*agent.StepOutput, error) {
	worker, ok := a.agents[sub.Name]
	if !ok {
		worker = newReactAgent(a.opts, a.opts.Tools, a.maxSteps)
		task, err := worker.CreateTask(ctx, a.subInput(sub))
		if err != nil {
			return nil, err
		}
		a.agents[sub.Name] = worker
		a.tasks[sub.Name] = task
	}
	return worker.RunStep(ctx, a.tasks[sub.Name])
}

// subInput adds the expected output and the results of the dependencies to
// the sub-task input.
func (a *planAgent) subInput(sub agent.SubTask) string {
	var b strings.Builder
	b.WriteString(sub.Input)
	if sub.ExpectedOutput != "" {
		b.WriteString("\n\nExpected output: ")
		b.WriteString(sub.ExpectedOutput)
	}
	for _, dep := range sub.Dependencies {
		if res, ok := a.results[dep]; ok {
			fmt.Fprintf(&b, "\n\nResult of %s:\n%s", dep, res)
		}
	}
	return b.String()
}

func (a *planAgent) FinalizeSubtask(ctx context.Context, _ *agent.TaskPlan, sub agent.SubTask) (string, error) {
	worker, ok := a.agents[sub.Name]
	if !ok {
		return "", fmt.Errorf("sub-task %q never ran", sub.Name)
	}
	out, err := worker.FinalizeResponse(ctx, a.tasks[sub.Name])
	if err != nil {
		return "", err
	}
	a.results[sub.Name] = out
	return out, nil
}
