package providers

import (
	"context"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
)

// OpenAIAgents builds SDK-style agents: each tool cycle is committed as its
// own item through the connection callbacks.
type OpenAIAgents struct {
	BaseProvider
	maxSteps int
}

// NewOpenAIAgents creates the SDK-style agent provider.
func NewOpenAIAgents(maxSteps int) *OpenAIAgents {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &OpenAIAgents{BaseProvider: NewBaseProvider(AgentID, 0, 0), maxSteps: maxSteps}
}

// Build returns an SDK-style workflow execution.
func (p *OpenAIAgents) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if err := requireLLM(opts); err != nil {
		return nil, err
	}
	return agent.OpenAIWorkflowExecution{Agent: &sdkAgent{opts: opts, tools: opts.Tools, maxSteps: p.maxSteps}}, nil
}

type sdkAgent struct {
	opts     *agent.BuildOptions
	tools    *tools.Toolset
	maxSteps int
}

func (a *sdkAgent) Run(ctx context.Context, conn *agent.ConnectionContext, req *agent.OpenAIRequest) (*agent.OpenAIResult, error) {
	msgs := append([]llm.Message(nil), req.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Input})
	specs := toolSpecs(a.tools)

	item := req.Item
	for step := 1; ; step++ {
		if conn.Stopped() {
			conn.OnStop(item)
			return &agent.OpenAIResult{Item: item}, nil
		}
		conn.OnNext(item)
		begin := true
		onText := func(delta string) {
			conn.OnStep(item, delta, begin)
			begin = false
		}
		resp, err := complete(ctx, a.opts, a.opts.SystemPrompt, msgs, specs, onText)
		if err != nil {
			if conn.Stopped() {
				conn.OnStop(item)
				return &agent.OpenAIResult{Item: item}, nil
			}
			conn.OnError(err)
			return nil, err
		}
		text := strings.TrimSpace(resp.Text)

		last := len(resp.ToolCalls) == 0 || step >= a.maxSteps
		if !last {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: resp.ToolCalls})
			for _, tc := range resp.ToolCalls {
				if conn.OnToolCall != nil {
					conn.OnToolCall(tc.ID, tc.Name, llm.ToolArgs(tc))
				}
				out := callTool(ctx, a.tools, tc)
				if conn.OnToolResult != nil {
					conn.OnToolResult(tc.ID, out)
				}
				conn.OnStep(item, tools.FormatResult(out.Tool, out.Args, out.Output), begin)
				begin = false
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: out.Output, ToolCallID: tc.ID})
			}
		}
		if conn.Stopped() {
			conn.OnStop(item)
			return &agent.OpenAIResult{Item: item}, nil
		}

		next, err := conn.OnNextCtx(item, req.Input, strings.TrimSpace(item.LiveOutput), "", last)
		if err != nil {
			return nil, err
		}
		if last {
			return &agent.OpenAIResult{Item: next, Output: text}, nil
		}
		item = next
	}
}
