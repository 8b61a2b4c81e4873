package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Evaluation modes.
const (
	EvalModeScore    = "score"
	EvalModeComplete = "complete"
)

// LoopConfig configures the evaluation loop that follows a finished turn.
type LoopConfig struct {
	// Mode selects the evaluator prompt: "score" rates the answer,
	// "complete" estimates how much of the task is done.
	// Default: "score"
	Mode string `yaml:"mode"`

	// GoodScore is the score at or above which the turn is accepted.
	// Default: 75
	GoodScore int `yaml:"score"`

	// Provider is the agent provider used as the evaluator.
	// Default: "evaluator"
	Provider string `yaml:"provider"`

	// Model overrides the evaluator model. Empty uses the turn's model.
	Model string `yaml:"model"`

	// MaxEvaluations caps the evaluation rounds per turn (0 = unlimited).
	// Default: 0
	MaxEvaluations int `yaml:"max_evaluations"`
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Mode:      EvalModeScore,
		GoodScore: 75,
		Provider:  "evaluator",
	}
}

func (c *LoopConfig) sanitize() {
	if c.Mode != EvalModeComplete {
		c.Mode = EvalModeScore
	}
	if c.GoodScore < 0 {
		c.GoodScore = 0
	}
	if c.Provider == "" {
		c.Provider = "evaluator"
	}
	if c.MaxEvaluations < 0 {
		c.MaxEvaluations = 0
	}
}

// EvaluationResult is the evaluator's verdict on a finished turn. A negative
// score means the evaluator aborted the loop.
type EvaluationResult struct {
	Score       int    `json:"score" jsonschema:"minimum=-1,maximum=100"`
	Instruction string `json:"instruction"`
}

// Caller runs a full agent turn.
type Caller interface {
	Call(ctx context.Context, opts *CallOptions, signals *EventEmitter) (bool, error)
}

// OnceCaller runs a quick sub-call without signals.
type OnceCaller interface {
	CallOnceResult(ctx context.Context, opts *CallOptions) (*OnceResult, error)
}

// ModelLookup resolves model descriptors by id.
type ModelLookup interface {
	Get(id string) (*models.Model, bool)
}

// Loop evaluates finished turns and continues them with the evaluator's
// instruction until the score is good enough.
type Loop struct {
	config  LoopConfig
	caller  Caller
	once    OnceCaller
	models  ModelLookup
	store   ItemStore
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewLoop creates an evaluation loop. models may be nil when no override
// model is configured.
func NewLoop(config LoopConfig, caller Caller, once OnceCaller, lookup ModelLookup, metrics *observability.Metrics, logger *slog.Logger) *Loop {
	config.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		config:  config,
		caller:  caller,
		once:    once,
		models:  lookup,
		metrics: metrics,
		logger:  logger.With("component", "agent.loop"),
	}
}

// Iterate evaluates the turn that produced response and either finishes it
// or continues it.
func (l *Loop) Iterate(ctx context.Context, opts *CallOptions, response *models.CtxItem, signals *EventEmitter) (bool, error) {
	signals.SetStatus(ctx, "Evaluating...")
	result, err := l.Evaluate(ctx, opts, response)
	if err != nil {
		err = runError(PhaseEvaluate, opts.Mode, l.config.Provider, err)
		l.record(ctx, "error", -1, opts)
		signals.RunError(ctx, response, err)
		signals.SetIdle(ctx)
		return false, err
	}
	return l.HandleEvaluation(ctx, opts, response, result, signals)
}

// Evaluate asks the evaluator agent to judge response. A verdict missing
// from the evaluator's tool outputs is reported as an abort.
func (l *Loop) Evaluate(ctx context.Context, opts *CallOptions, response *models.CtxItem) (EvaluationResult, error) {
	aborted := EvaluationResult{Score: -1}

	item, err := AddCtx(response, false)
	if err != nil {
		return aborted, err
	}
	item.Internal = true
	prompt := l.prompt(opts.goal(), response)
	item.SetInput(prompt, "")

	model := opts.Model
	if l.config.Model != "" && l.models != nil {
		if m, ok := l.models.Get(l.config.Model); ok {
			model = m
		} else {
			l.logger.Warn("evaluator model not found, using turn model", "model", l.config.Model)
		}
	}

	res, err := l.once.CallOnceResult(ctx, &CallOptions{
		Item:       item,
		History:    []*models.CtxItem{},
		Mode:       opts.Mode,
		Model:      model,
		Prompt:     prompt,
		ProviderID: l.config.Provider,
		Idx:        index.None,
		Verbose:    opts.Verbose,
	})
	if err != nil {
		return aborted, fmt.Errorf("evaluator: %w", err)
	}
	if res == nil {
		return aborted, nil
	}
	result, ok := evaluationOf(res.ToolOutputs)
	if !ok {
		l.logger.Warn("evaluator returned no verdict")
		return aborted, nil
	}
	return result, nil
}

// HandleEvaluation finishes the turn when the score is good enough, the
// evaluator aborted or the round limit is reached. Otherwise it emits a
// step item carrying the instruction and runs the next turn with it.
func (l *Loop) HandleEvaluation(ctx context.Context, opts *CallOptions, item *models.CtxItem, result EvaluationResult, signals *EventEmitter) (bool, error) {
	score := result.Score
	l.logger.Debug("evaluation", "score", score, "round", opts.Evaluations+1)

	if score < 0 {
		l.record(ctx, "aborted", score, opts)
		signals.Evaluation(ctx, score, result.Instruction, true)
		signals.SetStatus(ctx, "Evaluation aborted")
		signals.SetIdle(ctx)
		return true, nil
	}

	good := l.config.GoodScore
	if score >= good {
		l.record(ctx, "finished", score, opts)
		item.SetExtra(models.ExtraAgentEvalFinish, true)
		l.persist(ctx, item)
		signals.Evaluation(ctx, score, result.Instruction, true)
		signals.SetIdle(ctx)
		return true, nil
	}

	if limit := l.config.MaxEvaluations; limit > 0 && opts.Evaluations+1 >= limit {
		l.record(ctx, "limit", score, opts)
		signals.Evaluation(ctx, score, result.Instruction, true)
		signals.SetStatus(ctx, fmt.Sprintf("Evaluation limit reached (%d)", limit))
		signals.SetIdle(ctx)
		return true, nil
	}

	l.record(ctx, "continue", score, opts)
	step, err := AddCtx(item, false)
	if err != nil {
		return false, err
	}
	step.SetInput(result.Instruction, "")
	step.SetOutput(l.label(score, result.Instruction), "")
	step.Results = []map[string]any{{"loop": map[string]any{"score": score}}}
	step.SetExtra(models.ExtraAgentStep, true)
	signals.Evaluation(ctx, score, result.Instruction, false)
	l.persist(ctx, step)
	signals.SendResponse(ctx, step)

	next := *opts
	next.Item = step
	next.Prompt = result.Instruction
	next.Goal = opts.goal()
	next.Evaluations = opts.Evaluations + 1
	return l.caller.Call(ctx, &next, signals)
}

func (l *Loop) record(ctx context.Context, verdict string, score int, opts *CallOptions) {
	l.metrics.RecordEvaluation(verdict)
	l.tracer.AddEvent(ctx, "agent.evaluation",
		"loop.verdict", verdict,
		"loop.score", score,
		"loop.round", opts.Evaluations+1,
	)
}

func (l *Loop) persist(ctx context.Context, item *models.CtxItem) {
	if l.store == nil {
		return
	}
	if err := l.store.UpdateItem(ctx, item); err != nil {
		l.logger.Warn("failed to persist evaluation item", "error", err)
	}
}

func (l *Loop) prompt(goal string, response *models.CtxItem) string {
	answer := response.AgentFinalResponse
	if answer == "" {
		answer = response.FinalOutput()
	}
	tpl := scorePrompt
	if l.config.Mode == EvalModeComplete {
		tpl = completePrompt
	}
	return fmt.Sprintf(tpl, goal, answer)
}

func (l *Loop) label(score int, instruction string) string {
	name := "Score"
	if l.config.Mode == EvalModeComplete {
		name = "Complete"
	}
	return fmt.Sprintf("**%s: %d%%**\n\n%s", name, score, instruction)
}

// evaluationOf returns the last verdict among outputs.
func evaluationOf(outputs []ToolOutput) (EvaluationResult, bool) {
	for i := len(outputs) - 1; i >= 0; i-- {
		switch v := outputs[i].Value.(type) {
		case EvaluationResult:
			return v, true
		case *EvaluationResult:
			if v != nil {
				return *v, true
			}
		}
	}
	return EvaluationResult{}, false
}

const scorePrompt = `You are evaluating the work of an AI agent.

Task given to the agent:
%s

Final response of the agent:
%s

Rate how well the response solves the task on a scale from 0 to 100 and
call the send_feedback tool exactly once with the score and an instruction
telling the agent what to improve next. Call the abort tool instead if the
task cannot be solved.`

const completePrompt = `You are evaluating the progress of an AI agent.

Task given to the agent:
%s

Final response of the agent:
%s

Estimate what percentage of the task is complete (0 to 100) and call the
send_feedback tool exactly once with that percentage and an instruction
describing the next step. Call the abort tool instead if the task cannot
be completed.`
