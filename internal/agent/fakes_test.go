package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// scriptedStepAgent returns its steps in order. afterStep runs after the
// nth step was produced.
type scriptedStepAgent struct {
	steps     []StepOutput
	final     string
	err       error
	afterStep func(n int)

	input string
	calls int
}

// newScriptedStepAgent returns an agent whose nth step is the last one.
// Every step reports one tool output.
func newScriptedStepAgent(n int, final string) *scriptedStepAgent {
	a := &scriptedStepAgent{final: final}
	for i := 1; i <= n; i++ {
		a.steps = append(a.steps, StepOutput{
			Output: fmt.Sprintf("step %d", i),
			IsLast: i == n,
			ToolOutputs: []ToolOutput{{
				Tool:   "read_file",
				Args:   map[string]any{"path": fmt.Sprintf("f%d.txt", i)},
				Output: fmt.Sprintf("content %d", i),
			}},
		})
	}
	return a
}

func (a *scriptedStepAgent) CreateTask(_ context.Context, input string) (*Task, error) {
	a.input = input
	return &Task{ID: "task-1", Input: input}, nil
}

func (a *scriptedStepAgent) RunStep(_ context.Context, _ *Task) (*StepOutput, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.calls >= len(a.steps) {
		return nil, errors.New("no more steps")
	}
	out := a.steps[a.calls]
	a.calls++
	if a.afterStep != nil {
		a.afterStep(a.calls)
	}
	return &out, nil
}

func (a *scriptedStepAgent) FinalizeResponse(context.Context, *Task) (string, error) {
	return a.final, nil
}

// scriptedPlanAgent runs sub-task i in stepsPer[i] steps.
type scriptedPlanAgent struct {
	stepsPer  []int
	afterStep func(sub, step int)

	counts map[string]int
}

func (a *scriptedPlanAgent) CreatePlan(context.Context, string) (*TaskPlan, error) {
	plan := &TaskPlan{ID: "plan-1"}
	for i := range a.stepsPer {
		plan.SubTasks = append(plan.SubTasks, SubTask{
			Name:           fmt.Sprintf("sub%d", i+1),
			Input:          fmt.Sprintf("do %d", i+1),
			ExpectedOutput: "text",
		})
	}
	a.counts = map[string]int{}
	return plan, nil
}

func (a *scriptedPlanAgent) RunStep(_ context.Context, plan *TaskPlan, sub SubTask) (*StepOutput, error) {
	idx := -1
	for i, s := range plan.SubTasks {
		if s.Name == sub.Name {
			idx = i
		}
	}
	a.counts[sub.Name]++
	n := a.counts[sub.Name]
	if a.afterStep != nil {
		a.afterStep(idx+1, n)
	}
	return &StepOutput{
		Output: fmt.Sprintf("%s step %d", sub.Name, n),
		IsLast: n == a.stepsPer[idx],
	}, nil
}

func (a *scriptedPlanAgent) FinalizeSubtask(_ context.Context, _ *TaskPlan, sub SubTask) (string, error) {
	return "done " + sub.Name, nil
}

// scriptedWorkflow sends its events in order. block keeps the run open
// until the context is cancelled.
type scriptedWorkflow struct {
	events []WorkflowEvent
	err    error
	block  bool
	sent   func(i int)
}

func (w *scriptedWorkflow) Run(ctx context.Context, _ *WorkflowRequest, events chan<- WorkflowEvent) error {
	for i, ev := range w.events {
		select {
		case events <- ev:
		case <-ctx.Done():
			return ErrWorkflowCancelled
		}
		if w.sent != nil {
			w.sent(i)
		}
	}
	if w.block {
		<-ctx.Done()
		return ErrWorkflowCancelled
	}
	return w.err
}

type fakeAssistant struct {
	req  *AssistantRequest
	resp *AssistantResponse
	err  error
}

func (a *fakeAssistant) Chat(_ context.Context, req *AssistantRequest) (*AssistantResponse, error) {
	a.req = req
	return a.resp, a.err
}

// fakeProvider builds a fixed execution and records the build options.
type fakeProvider struct {
	id     string
	exec   Execution
	err    error
	append bool

	mu    sync.Mutex
	opts  []*BuildOptions
	build func(opts *BuildOptions) Execution
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Build(_ context.Context, opts *BuildOptions) (Execution, error) {
	p.mu.Lock()
	p.opts = append(p.opts, opts)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.build != nil {
		return p.build(opts), nil
	}
	return p.exec, nil
}

func (p *fakeProvider) AppendSystemPromptToMessage() bool { return p.append }

func (p *fakeProvider) lastOptions() *BuildOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opts) == 0 {
		return nil
	}
	return p.opts[len(p.opts)-1]
}

type nopLLM struct{}

func (nopLLM) Name() string { return "nop" }

func (nopLLM) Complete(context.Context, *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	ch := make(chan *llm.CompletionChunk)
	close(ch)
	return ch, nil
}

type fakeLLMs struct {
	err error
}

func (f fakeLLMs) ForModel(*models.Model) (llm.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nopLLM{}, nil
}

// memoryItems is a minimal history store.
type memoryItems struct {
	mu      sync.Mutex
	items   []*models.CtxItem
	updates []*models.CtxItem
}

func (m *memoryItems) UpdateItem(_ context.Context, item *models.CtxItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, item)
	return nil
}

func (m *memoryItems) Items() []*models.CtxItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.CtxItem(nil), m.items...)
}

func (m *memoryItems) GetHistory(items []*models.CtxItem, _, _ string, _, _ int, ignoreFirst bool) []*models.CtxItem {
	if ignoreFirst && len(items) > 0 {
		return items[:len(items)-1]
	}
	return items
}

// fakeTools is a tool source with a fixed toolset and index answer.
type fakeTools struct {
	set      *tools.Toolset
	answer   string
	queries  []string
	appended int
}

func (f *fakeTools) Prepare(*models.CtxItem, string) *tools.Toolset {
	return f.set
}

func (f *fakeTools) QueryIndex(_ context.Context, _, query string) (string, error) {
	f.queries = append(f.queries, query)
	return f.answer, nil
}

func (f *fakeTools) AppendToolOutputs(*models.CtxItem) bool {
	f.appended++
	return true
}

func testModel() *models.Model {
	return &models.Model{ID: "gpt-4o", Ctx: 128000, Modes: []string{models.ModeAgentLlama}}
}

func testItem(input string) *models.CtxItem {
	item := models.NewCtxItem()
	item.SetInput(input, "")
	item.Meta = models.NewCtxMeta()
	return item
}
