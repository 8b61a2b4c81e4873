package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Evaluator tool names.
const (
	FeedbackTool = "send_feedback"
	AbortTool    = "abort"
)

const evaluatorInstruction = "You are a strict reviewer. Judge the answer you are given and report your verdict by calling exactly one of the tools."

// AbortParams are the arguments of the abort tool.
type AbortParams struct {
	Reason string `json:"reason" jsonschema:"description=Why the task cannot be evaluated."`
}

var (
	evaluatorSpecsOnce sync.Once
	evaluatorSpecs     []llm.ToolSpec
)

// reflectSchema returns the inline JSON schema of v as a map.
func reflectSchema(v any) map[string]any {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

func evaluatorTools() []llm.ToolSpec {
	evaluatorSpecsOnce.Do(func() {
		evaluatorSpecs = []llm.ToolSpec{
			{
				Name:        FeedbackTool,
				Description: "Report the score of the answer in percent and an instruction on how to improve it.",
				Parameters:  reflectSchema(&agent.EvaluationResult{}),
			},
			{
				Name:        AbortTool,
				Description: "Give up when the answer cannot be judged.",
				Parameters:  reflectSchema(&AbortParams{}),
			},
		}
	})
	return evaluatorSpecs
}

// Evaluator builds the agent that scores a finished turn. Its verdict is
// reported as a tool output whose Value is an agent.EvaluationResult.
type Evaluator struct {
	BaseProvider
}

// NewEvaluator creates the evaluator provider.
func NewEvaluator() *Evaluator {
	return &Evaluator{BaseProvider: NewBaseProvider(EvaluatorID, 0, 0)}
}

// Build returns a single-step execution.
func (p *Evaluator) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if err := requireLLM(opts); err != nil {
		return nil, err
	}
	return agent.StepExecution{Agent: &evaluatorAgent{opts: opts}}, nil
}

type evaluatorAgent struct {
	opts    *agent.BuildOptions
	input   string
	verdict string
}

func (a *evaluatorAgent) CreateTask(_ context.Context, input string) (*agent.Task, error) {
	a.input = input
	return &agent.Task{ID: uuid.NewString(), Input: input}, nil
}

func (a *evaluatorAgent) RunStep(ctx context.Context, _ *agent.Task) (*agent.StepOutput, error) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: a.input}}
	resp, err := complete(ctx, a.opts, evaluatorInstruction, msgs, evaluatorTools(), nil)
	if err != nil {
		return nil, err
	}
	out := &agent.StepOutput{Output: strings.TrimSpace(resp.Text), IsLast: true}
	for _, tc := range resp.ToolCalls {
		if verdict, ok := parseVerdict(tc); ok {
			out.ToolOutputs = append(out.ToolOutputs, verdict)
		}
	}
	if n := len(out.ToolOutputs); n > 0 {
		a.verdict = out.ToolOutputs[n-1].Output
	}
	return out, nil
}

func (a *evaluatorAgent) FinalizeResponse(context.Context, *agent.Task) (string, error) {
	return a.verdict, nil
}

// parseVerdict converts an evaluator tool call to a tool output.
func parseVerdict(tc models.ToolCall) (agent.ToolOutput, bool) {
	args := llm.ToolArgs(tc)
	switch tc.Name {
	case FeedbackTool:
		var res agent.EvaluationResult
		if err := json.Unmarshal([]byte(tc.Arguments), &res); err != nil {
			return agent.ToolOutput{}, false
		}
		res.Score = min(max(res.Score, 0), 100)
		return agent.ToolOutput{
			Tool:   tc.Name,
			Args:   args,
			Output: fmt.Sprintf("score %d%%: %s", res.Score, res.Instruction),
			Value:  res,
		}, true
	case AbortTool:
		reason, _ := args["reason"].(string)
		return agent.ToolOutput{
			Tool:   tc.Name,
			Args:   args,
			Output: "aborted: " + reason,
			Value:  agent.EvaluationResult{Score: -1},
		}, true
	}
	return agent.ToolOutput{}, false
}
