// Package providers holds the agent providers: each builds one kind of
// agent execution over an LLM handle and the tools of the invocation.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Provider ids.
const (
	ReActID     = "react"
	PlannerID   = "planner"
	AssistantID = "openai_assistant"
	WorkflowID  = "react_workflow"
	AgentID     = "openai_agent"
	EvaluatorID = "evaluator"
)

// DefaultMaxSteps bounds the reasoning steps of one task.
const DefaultMaxSteps = 10

// BaseProvider holds the id and shared retry configuration of a provider.
type BaseProvider struct {
	id         string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(id string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		id:         id,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// ID returns the provider id.
func (b *BaseProvider) ID() string {
	return b.id
}

// Retry executes op with linear backoff if isRetryable returns true.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// errNoLLM is returned by Build when the options carry no LLM handle.
var errNoLLM = errors.New("no llm handle")

func requireLLM(opts *agent.BuildOptions) error {
	if opts == nil || opts.LLM == nil {
		return errNoLLM
	}
	if opts.Model == nil {
		return errors.New("no model")
	}
	return nil
}

// complete sends one chat request and collects the reply.
func complete(ctx context.Context, opts *agent.BuildOptions, system string, msgs []llm.Message, specs []llm.ToolSpec, onText func(string)) (*llm.Response, error) {
	req := &llm.CompletionRequest{
		Model:     opts.Model.ID,
		System:    system,
		Messages:  msgs,
		Tools:     specs,
		MaxTokens: opts.Model.MaxOutputTokens(0),
	}
	chunks, err := opts.LLM.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(ctx, chunks, onText)
}

// toolSpecs converts the function tools of set to request specs.
func toolSpecs(set *tools.Toolset) []llm.ToolSpec {
	if set == nil || len(set.Functions) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(set.Functions))
	for _, fn := range set.Functions {
		params := fn.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, llm.ToolSpec{Name: fn.Name, Description: fn.Description, Parameters: params})
	}
	return specs
}

// callTool runs one tool call through the callables of set. Failures are
// reported to the model as the tool output and flagged with IsError.
func callTool(ctx context.Context, set *tools.Toolset, tc models.ToolCall) agent.ToolOutput {
	args := llm.ToolArgs(tc)
	out := agent.ToolOutput{Tool: tc.Name, Args: args}
	var fn tools.Callable
	if set != nil {
		fn = set.Callables[tc.Name]
	}
	if fn == nil {
		out.Output = fmt.Sprintf("error: unknown tool %q", tc.Name)
		out.IsError = true
		return out
	}
	result, err := fn(ctx, args)
	if err != nil {
		out.Output = "error: " + err.Error()
		out.IsError = true
		return out
	}
	out.Output = result
	return out
}

// withInstruction returns history with instruction merged into its leading
// system message, or prepended as one.
func withInstruction(history []llm.Message, instruction string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if instruction == "" {
		return append(msgs, history...)
	}
	if len(history) > 0 && history[0].Role == llm.RoleSystem {
		first := history[0]
		first.Content = strings.TrimSpace(first.Content + "\n\n" + instruction)
		msgs = append(msgs, first)
		return append(msgs, history[1:]...)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: instruction})
	return append(msgs, history...)
}
