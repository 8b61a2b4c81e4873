package agent

import (
	"context"
	"log/slog"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// RunInput is the argument bag every strategy receives.
type RunInput struct {
	// Item is the input item of the turn.
	Item   *models.CtxItem
	Prompt string

	// Signals receives responses and stream chunks. Nil for quick sub-calls.
	Signals *EventEmitter

	Verbose bool
	Stream  bool

	// History and UsePartials are used by the workflow strategies.
	History     []llm.Message
	UsePartials bool

	// PreviousResponseID chains stateful vendor APIs.
	PreviousResponseID string

	// DeferIdle leaves the idle signal to the caller, which continues the
	// turn with an evaluation.
	DeferIdle bool

	// Detached marks quick sub-calls whose items stay out of the store.
	Detached bool

	// Final is set to the item that finished the turn.
	Final *models.CtxItem
}

// OutputAppender attaches pending tool outputs to a final item.
type OutputAppender interface {
	AppendToolOutputs(item *models.CtxItem) bool
}

// ItemStore persists the items of a run. Items without an id are added to
// the active conversation.
type ItemStore interface {
	UpdateItem(ctx context.Context, item *models.CtxItem) error
}

// strategy carries what every strategy shares.
type strategy struct {
	stop    *StopFlag
	outputs OutputAppender
	store   ItemStore
	tracer  *observability.Tracer
	logger  *slog.Logger
}

func (s *strategy) isStopped(ctx context.Context) bool {
	return stopped(ctx, s.stop)
}

func (s *strategy) appendToolOutputs(item *models.CtxItem) {
	if s.outputs != nil {
		s.outputs.AppendToolOutputs(item)
	}
}

func (s *strategy) persist(ctx context.Context, item *models.CtxItem) {
	if s.store == nil || item.IsEmpty() {
		return
	}
	if err := s.store.UpdateItem(ctx, item); err != nil {
		s.logger.Warn("failed to persist item", "error", err)
	}
}

// emit stores item, unless the run is detached, and sends it as a response.
// Items are stored in the order they are emitted.
func (s *strategy) emit(ctx context.Context, in *RunInput, signals *EventEmitter, item *models.CtxItem) {
	if !in.Detached {
		s.persist(ctx, item)
	}
	s.tracer.AddEvent(ctx, "agent.response",
		"agent.step", item.ExtraBool(models.ExtraAgentStep),
		"agent.finish", item.ExtraBool(models.ExtraAgentFinish),
	)
	signals.SendResponse(ctx, item)
}

// finish records the finishing item and signals idle unless deferred.
func (s *strategy) finish(ctx context.Context, in *RunInput, item *models.CtxItem) {
	in.Final = item
	if !in.DeferIdle {
		in.Signals.SetIdle(ctx)
	}
}

func (s *strategy) verbose(in *RunInput, msg string, args ...any) {
	if in.Verbose {
		s.logger.Info(msg, args...)
	} else {
		s.logger.Debug(msg, args...)
	}
}

// Steps runs a flat step loop until the agent reports its last step.
type Steps struct {
	strategy
}

// Run executes the loop, emitting one item per intermediate step and one
// final item. It returns false without an error when the run was stopped.
func (s *Steps) Run(ctx context.Context, agent StepAgent, in *RunInput) (bool, error) {
	final, _, err := s.run(ctx, agent, in, in.Signals)
	if err != nil {
		return false, err
	}
	if final == nil {
		in.Signals.RunStopped(ctx, in.Item)
		return false, nil
	}
	s.finish(ctx, in, final)
	return true, nil
}

// RunOnce executes the loop without signals and returns the final item, or
// nil when stopped.
func (s *Steps) RunOnce(ctx context.Context, agent StepAgent, in *RunInput) (*models.CtxItem, error) {
	in.Detached = true
	final, _, err := s.run(ctx, agent, in, nil)
	return final, err
}

// run returns the final item and every tool output reported by the agent.
func (s *Steps) run(ctx context.Context, agent StepAgent, in *RunInput, signals *EventEmitter) (*models.CtxItem, []ToolOutput, error) {
	task, err := agent.CreateTask(ctx, in.Prompt)
	if err != nil {
		return nil, nil, err
	}

	var (
		outputs []ToolOutput
		index   int
		step    int
	)
	for {
		if s.isStopped(ctx) {
			return nil, outputs, nil
		}
		step++
		signals.SetIter(step)

		out, err := agent.RunStep(ctx, task)
		if err != nil {
			return nil, outputs, err
		}
		outputs = append(outputs, out.ToolOutputs...)
		s.verbose(in, "agent step", "step", step, "last", out.IsLast, "tools", len(out.ToolOutputs))

		if !out.IsLast {
			item, err := AddCtx(in.Item, true)
			if err != nil {
				return nil, outputs, err
			}
			item.SetOutput(out.Output, "")
			copyToolOutputs(item, outputs[index:])
			index = len(outputs)
			item.SetExtra(models.ExtraAgentStep, true)
			in.Item.Results = nil
			s.emit(ctx, in, signals, item)
			continue
		}

		response, err := agent.FinalizeResponse(ctx, task)
		if err != nil {
			return nil, outputs, err
		}
		final, err := AddCtx(in.Item, true)
		if err != nil {
			return nil, outputs, err
		}
		final.SetOutput(response, "")
		final.SetAgentFinalResponse(response)
		copyToolOutputs(final, outputs[index:])
		final.SetExtra(models.ExtraAgentOutput, true)
		final.SetExtra(models.ExtraAgentFinish, true)
		s.appendToolOutputs(final)
		in.Item.Results = nil
		s.emit(ctx, in, signals, final)
		return final, outputs, nil
	}
}
