package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Execution is the closed set of ways an agent can run. Providers return one
// of StepExecution, PlanExecution, AssistantExecution, WorkflowExecution or
// OpenAIWorkflowExecution; the runner dispatches on the concrete type.
type Execution interface {
	// Mode names the execution kind for logs and metrics.
	Mode() string
	execution()
}

// StepExecution runs a single-task step loop.
type StepExecution struct {
	Agent StepAgent
}

// PlanExecution runs a plan of sub-tasks.
type PlanExecution struct {
	Agent PlanAgent
}

// AssistantExecution sends one message to a hosted assistant thread.
type AssistantExecution struct {
	Agent       AssistantAgent
	AssistantID string
	ThreadID    string
}

// WorkflowExecution consumes an event-stream workflow.
type WorkflowExecution struct {
	Agent WorkflowAgent
}

// OpenAIWorkflowExecution runs an SDK-style agent driven by callbacks.
type OpenAIWorkflowExecution struct {
	Agent OpenAIAgent
}

func (StepExecution) Mode() string           { return "step" }
func (PlanExecution) Mode() string           { return "plan" }
func (AssistantExecution) Mode() string      { return "assistant" }
func (WorkflowExecution) Mode() string       { return "workflow" }
func (OpenAIWorkflowExecution) Mode() string { return "openai" }

func (StepExecution) execution()           {}
func (PlanExecution) execution()           {}
func (AssistantExecution) execution()      {}
func (WorkflowExecution) execution()       {}
func (OpenAIWorkflowExecution) execution() {}

// ToolOutput is one tool invocation reported by an agent step.
type ToolOutput struct {
	Tool   string
	Args   map[string]any
	Output string

	// IsError marks an unknown tool or a failed call; Output then holds
	// the error text shown to the model.
	IsError bool

	// Value is the typed result of the tool, when it has one. The evaluator
	// returns its EvaluationResult here.
	Value any
}

// Map renders the output in the shape stored under Extra["tool_output"].
func (o ToolOutput) Map() map[string]any {
	m := map[string]any{
		"tool":   o.Tool,
		"input":  o.Args,
		"output": o.Output,
	}
	if o.IsError {
		m["error"] = true
	}
	return m
}

// Task is a single agent task created from the user input.
type Task struct {
	ID    string
	Input string

	// State is private to the agent that created the task.
	State any
}

// StepOutput is the result of one agent step.
type StepOutput struct {
	Output      string
	IsLast      bool
	ToolOutputs []ToolOutput
}

// StepAgent executes a task one reasoning step at a time.
type StepAgent interface {
	CreateTask(ctx context.Context, input string) (*Task, error)
	RunStep(ctx context.Context, task *Task) (*StepOutput, error)
	FinalizeResponse(ctx context.Context, task *Task) (string, error)
}

// SubTask is one entry of a plan.
type SubTask struct {
	Name           string   `json:"name"`
	Input          string   `json:"input"`
	ExpectedOutput string   `json:"expected_output"`
	Dependencies   []string `json:"dependencies"`
}

// TaskPlan is an ordered list of sub-tasks.
type TaskPlan struct {
	ID       string
	SubTasks []SubTask
}

// PlanAgent plans a task and executes the plan sub-task by sub-task.
type PlanAgent interface {
	CreatePlan(ctx context.Context, input string) (*TaskPlan, error)
	RunStep(ctx context.Context, plan *TaskPlan, sub SubTask) (*StepOutput, error)
	FinalizeSubtask(ctx context.Context, plan *TaskPlan, sub SubTask) (string, error)
}

// AssistantRequest is one message for a hosted assistant.
type AssistantRequest struct {
	AssistantID string
	ThreadID    string
	Input       string
}

// AssistantResponse is the hosted assistant's reply.
type AssistantResponse struct {
	Output   string
	ThreadID string
	MsgID    string
	RunID    string
}

// AssistantAgent talks to a hosted assistant.
type AssistantAgent interface {
	Chat(ctx context.Context, req *AssistantRequest) (*AssistantResponse, error)
}

// WorkflowEvent is an event of a workflow stream: ToolCallEvent,
// ToolCallResultEvent, StepEvent, AgentStreamEvent or AgentOutputEvent.
type WorkflowEvent interface {
	workflowEvent()
}

// ToolCallEvent announces a tool call.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallResultEvent reports a finished tool call.
type ToolCallResultEvent struct {
	ID      string
	Name    string
	Args    map[string]any
	Output  string
	IsError bool
}

// StepEvent marks the start of a new workflow step.
type StepEvent struct {
	Name  string
	Index int
	Total int
}

// AgentStreamEvent is a streamed text delta.
type AgentStreamEvent struct {
	Agent string
	Delta string
}

// AgentOutputEvent is an agent's complete reply.
type AgentOutputEvent struct {
	Agent    string
	Response string
}

func (ToolCallEvent) workflowEvent()       {}
func (ToolCallResultEvent) workflowEvent() {}
func (StepEvent) workflowEvent()           {}
func (AgentStreamEvent) workflowEvent()    {}
func (AgentOutputEvent) workflowEvent()    {}

// WorkflowRequest is the input of a workflow run.
type WorkflowRequest struct {
	Input   string
	History []llm.Message
}

// WorkflowAgent runs a workflow and reports progress on events. Sends must
// select on ctx.Done(); on cancellation Run returns ErrWorkflowCancelled or
// the context error. Run must not close events.
type WorkflowAgent interface {
	Run(ctx context.Context, req *WorkflowRequest, events chan<- WorkflowEvent) error
}

// ConnectionContext is the callback bundle handed to an OpenAIAgent.
type ConnectionContext struct {
	// Stopped reports a user stop.
	Stopped func() bool

	// OnStep streams a delta of item's output.
	OnStep func(item *models.CtxItem, delta string, begin bool)

	// OnStop persists the partial output of item after a stop.
	OnStop func(item *models.CtxItem)

	// OnNext starts a new stream block for item.
	OnNext func(item *models.CtxItem)

	// OnNextCtx finalizes item and returns the next partial item.
	OnNextCtx func(item *models.CtxItem, input, output, responseID string, finish bool) (*models.CtxItem, error)

	// OnError records a failure and marks the host idle.
	OnError func(err error)

	// OnToolCall and OnToolResult report tool invocations. Either may be nil.
	OnToolCall   func(callID, name string, args map[string]any)
	OnToolResult func(callID string, out ToolOutput)
}

// OpenAIRequest is the input of an SDK-style workflow run.
type OpenAIRequest struct {
	Item               *models.CtxItem
	Input              string
	History            []llm.Message
	PreviousResponseID string
	Stream             bool
}

// OpenAIResult is what an SDK-style workflow run returns.
type OpenAIResult struct {
	// Item is the last item the run worked on.
	Item       *models.CtxItem
	Output     string
	ResponseID string
}

// OpenAIAgent runs an SDK-style agent workflow.
type OpenAIAgent interface {
	Run(ctx context.Context, conn *ConnectionContext, req *OpenAIRequest) (*OpenAIResult, error)
}

// BuildOptions is everything a provider needs to build an agent.
type BuildOptions struct {
	Item         *models.CtxItem
	Model        *models.Model
	LLM          llm.Provider
	Tools        *tools.Toolset
	SystemPrompt string
	History      []llm.Message
	Workdir      string
	Idx          string
	Verbose      bool
}

// Provider builds agents of one kind.
type Provider interface {
	ID() string
	Build(ctx context.Context, opts *BuildOptions) (Execution, error)
}

// SystemPromptAppender is implemented by providers whose backend takes no
// separate system prompt. The runner sends the system prompt as the first
// history message for them.
type SystemPromptAppender interface {
	AppendSystemPromptToMessage() bool
}

// ProviderRegistry holds agent providers by id.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates a registry with the given providers.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// Register adds a provider. Ids are unique.
func (r *ProviderRegistry) Register(p Provider) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("provider id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("agent provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Get returns the provider with id.
func (r *ProviderRegistry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs lists the registered provider ids, sorted.
func (r *ProviderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
