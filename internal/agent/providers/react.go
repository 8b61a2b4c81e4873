package providers

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
)

const reactInstruction = `You solve the task step by step. Call the available tools when you need
information or need to act. When you have enough to reply, answer without
calling tools, in the form:
Thought: <your reasoning>
Answer: <the final answer>`

// ReAct builds step agents that alternate reasoning with tool calls.
type ReAct struct {
	BaseProvider
	maxSteps int
}

// NewReAct creates the ReAct provider. maxSteps <= 0 uses DefaultMaxSteps.
func NewReAct(maxSteps int) *ReAct {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &ReAct{BaseProvider: NewBaseProvider(ReActID, 0, 0), maxSteps: maxSteps}
}

// AppendSystemPromptToMessage reports that the system prompt travels as the
// first history message.
func (p *ReAct) AppendSystemPromptToMessage() bool { return true }

// Build returns a step execution.
func (p *ReAct) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if err := requireLLM(opts); err != nil {
		return nil, err
	}
	return agent.StepExecution{Agent: newReactAgent(opts, opts.Tools, p.maxSteps)}, nil
}

// reactAgent is a tool-calling step agent.
type reactAgent struct {
	opts     *agent.BuildOptions
	tools    *tools.Toolset
	maxSteps int

	messages []llm.Message
	steps    int
	last     string
}

func newReactAgent(opts *agent.BuildOptions, set *tools.Toolset, maxSteps int) *reactAgent {
	return &reactAgent{opts: opts, tools: set, maxSteps: maxSteps}
}

func (a *reactAgent) CreateTask(_ context.Context, input string) (*agent.Task, error) {
	history := a.opts.History
	if a.opts.SystemPrompt != "" {
		history = withInstruction(history, a.opts.SystemPrompt)
	}
	a.messages = withInstruction(history, reactInstruction)
	a.messages = append(a.messages, llm.Message{Role: llm.RoleUser, Content: input})
	a.steps = 0
	a.last = ""
	return &agent.Task{ID: uuid.NewString(), Input: input}, nil
}

func (a *reactAgent) RunStep(ctx context.Context, _ *agent.Task) (*agent.StepOutput, error) {
	a.steps++
	resp, err := complete(ctx, a.opts, "", a.messages, toolSpecs(a.tools), nil)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text)
	if len(resp.ToolCalls) == 0 || a.steps >= a.maxSteps {
		a.last = text
		a.messages = append(a.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
		return &agent.StepOutput{Output: text, IsLast: true}, nil
	}

	a.messages = append(a.messages, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: resp.ToolCalls})
	outputs := make([]agent.ToolOutput, 0, len(resp.ToolCalls))
	var summary strings.Builder
	summary.WriteString(text)
	for _, tc := range resp.ToolCalls {
		out := callTool(ctx, a.tools, tc)
		outputs = append(outputs, out)
		a.messages = append(a.messages, llm.Message{Role: llm.RoleTool, Content: out.Output, ToolCallID: tc.ID})
		summary.WriteString(tools.FormatCall(out.Tool, out.Args))
	}
	return &agent.StepOutput{Output: strings.TrimSpace(summary.String()), ToolOutputs: outputs}, nil
}

// FinalizeResponse returns the answer part of the last reply, or the whole
// reply when it has no answer part.
func (a *reactAgent) FinalizeResponse(context.Context, *agent.Task) (string, error) {
	if _, answer := agent.ExtractFinalResponse(a.last); answer != "" {
		return answer, nil
	}
	return a.last, nil
}
