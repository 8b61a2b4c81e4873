package providers

import (
	"context"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
)

// ReActWorkflow builds event-streaming ReAct workflows.
type ReActWorkflow struct {
	BaseProvider
	maxSteps int
}

// NewReActWorkflow creates the workflow provider.
func NewReActWorkflow(maxSteps int) *ReActWorkflow {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &ReActWorkflow{BaseProvider: NewBaseProvider(WorkflowID, 0, 0), maxSteps: maxSteps}
}

// Build returns a workflow execution.
func (p *ReActWorkflow) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if err := requireLLM(opts); err != nil {
		return nil, err
	}
	return agent.WorkflowExecution{Agent: &reactWorkflow{opts: opts, tools: opts.Tools, maxSteps: p.maxSteps}}, nil
}

type reactWorkflow struct {
	opts     *agent.BuildOptions
	tools    *tools.Toolset
	maxSteps int
}

// send delivers ev unless ctx is done.
func send(ctx context.Context, events chan<- agent.WorkflowEvent, ev agent.WorkflowEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return agent.ErrWorkflowCancelled
	}
}

// Run streams every model reply, announces each tool call with its result
// and finishes with the last reply as the agent output.
func (w *reactWorkflow) Run(ctx context.Context, req *agent.WorkflowRequest, events chan<- agent.WorkflowEvent) error {
	history := req.History
	if w.opts.SystemPrompt != "" {
		history = withInstruction(history, w.opts.SystemPrompt)
	}
	msgs := withInstruction(history, reactInstruction)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Input})
	specs := toolSpecs(w.tools)

	for step := 1; step <= w.maxSteps; step++ {
		if err := send(ctx, events, agent.StepEvent{Name: ReActID, Index: step, Total: w.maxSteps}); err != nil {
			return err
		}

		// streaming stops silently on cancel; Collect then returns the context error
		onText := func(delta string) {
			_ = send(ctx, events, agent.AgentStreamEvent{Agent: ReActID, Delta: delta})
		}
		resp, err := complete(ctx, w.opts, "", msgs, specs, onText)
		if err != nil {
			if ctx.Err() != nil {
				return agent.ErrWorkflowCancelled
			}
			return err
		}
		text := strings.TrimSpace(resp.Text)
		if len(resp.ToolCalls) == 0 || step == w.maxSteps {
			return send(ctx, events, agent.AgentOutputEvent{Agent: ReActID, Response: text})
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			args := llm.ToolArgs(tc)
			if err := send(ctx, events, agent.ToolCallEvent{ID: tc.ID, Name: tc.Name, Args: args}); err != nil {
				return err
			}
			out := callTool(ctx, w.tools, tc)
			if err := send(ctx, events, agent.ToolCallResultEvent{
				ID:      tc.ID,
				Name:    tc.Name,
				Args:    args,
				Output:  out.Output,
				IsError: out.IsError,
			}); err != nil {
				return err
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: out.Output, ToolCallID: tc.ID})
		}
	}
	return nil
}
