package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// stopPollInterval bounds how long a stop goes unnoticed while the agent
// produces no events.
const stopPollInterval = 100 * time.Millisecond

// Workflow consumes the event stream of a workflow agent. Each invocation
// runs the agent and the consumer in a fresh errgroup that is waited on
// before returning.
type Workflow struct {
	strategy
}

// Run streams the workflow into the output view and emits the final item.
// With UsePartials every step event commits the current item and starts a
// new partial one. It returns false without an error when stopped; the
// partial output is persisted first.
func (w *Workflow) Run(ctx context.Context, agent WorkflowAgent, in *RunInput) (bool, error) {
	item, answer, err := w.run(ctx, agent, in, in.Signals, in.UsePartials, in.Stream)
	if err != nil {
		in.Item.SetExtra(models.ExtraError, err.Error())
		return false, err
	}
	if item == nil {
		return false, nil
	}

	item.SetOutput(FilterExecuteTags(item.LiveOutput), "")
	if answer != "" {
		item.SetAgentFinalResponse(answer)
		item.UseAgentFinalResponse = true
	}
	item.Partial = false
	item.SetExtra(models.ExtraAgentOutput, true)
	item.SetExtra(models.ExtraAgentFinish, true)
	w.appendToolOutputs(item)

	if in.Stream {
		in.Signals.EndStream(ctx, item)
	}
	w.emit(ctx, in, in.Signals, item)
	w.finish(ctx, in, item)
	return true, nil
}

// RunOnce runs the workflow without partials or streaming and returns the
// final item. Its output is the final answer when the agent gave one, the
// raw live output otherwise. A stopped run returns nil.
func (w *Workflow) RunOnce(ctx context.Context, agent WorkflowAgent, in *RunInput) (*models.CtxItem, error) {
	in.Detached = true
	item, answer, err := w.run(ctx, agent, in, nil, false, false)
	if err != nil || item == nil {
		return nil, err
	}
	output := answer
	if output == "" {
		output = FilterExecuteTags(item.LiveOutput)
	}
	item.SetOutput(output, "")
	item.SetAgentFinalResponse(answer)
	item.SetExtra(models.ExtraAgentOutput, true)
	item.SetExtra(models.ExtraAgentFinish, true)
	return item, nil
}

// run returns the current item and the parsed final answer. A nil item
// with a nil error means the run was stopped.
func (w *Workflow) run(ctx context.Context, agent WorkflowAgent, in *RunInput, signals *EventEmitter, partials, stream bool) (*models.CtxItem, string, error) {
	current, err := AddCtx(in.Item, true)
	if err != nil {
		return nil, "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	events := make(chan WorkflowEvent)
	req := &WorkflowRequest{Input: in.Prompt, History: in.History}
	g.Go(func() error {
		defer close(events)
		return agent.Run(runCtx, req, events)
	})

	var (
		answer string
		begin  = true
		halted bool
	)
	stop := func() {
		if !halted && w.isStopped(ctx) {
			halted = true
			w.halt(ctx, current, signals)
			cancel()
		}
	}
	handle := func(ev WorkflowEvent) error {
		switch e := ev.(type) {
		case ToolCallEvent:
			signals.ToolStarted(ctx, e.ID, e.Name, marshalArgs(e.Args))
			w.write(ctx, current, tools.FormatCall(e.Name, e.Args), signals, stream, &begin)

		case ToolCallResultEvent:
			signals.ToolFinished(ctx, e.ID, e.Name, !e.IsError, []byte(e.Output), 0)
			w.write(ctx, current, tools.FormatResult(e.Name, e.Args, e.Output), signals, stream, &begin)

		case StepEvent:
			w.logger.Debug("workflow step", "name", e.Name, "index", e.Index, "total", e.Total)
			if partials && current.LiveOutput != "" {
				next, err := w.nextCtx(ctx, current, signals, stream)
				if err != nil {
					return err
				}
				current = next
				begin = true
			}

		case AgentStreamEvent:
			w.write(ctx, current, e.Delta, signals, stream, &begin)

		case AgentOutputEvent:
			if _, a := ExtractFinalResponse(e.Response); a != "" {
				answer = a
			}
			if current.LiveOutput == "" && e.Response != "" {
				// agents that do not stream deliver the text only here
				w.write(ctx, current, e.Response, signals, stream, &begin)
			}
		}
		return nil
	}

	g.Go(func() error {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				stop()
				if halted {
					continue
				}
				if err := handle(ev); err != nil {
					return err
				}
			case <-ticker.C:
				stop()
			}
		}
	})

	err = g.Wait()
	if halted {
		return nil, "", nil
	}
	if w.isStopped(ctx) || (err != nil && isCancellation(err)) {
		w.halt(ctx, current, signals)
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("workflow: %w", err)
	}
	return current, answer, nil
}

func (w *Workflow) write(ctx context.Context, item *models.CtxItem, text string, signals *EventEmitter, stream bool, begin *bool) {
	if text == "" {
		return
	}
	item.LiveOutput += text
	item.Stream = text
	if stream {
		signals.SendStream(ctx, item, text, *begin)
		*begin = false
	}
}

// nextCtx commits item and returns the next partial item chained to it.
func (w *Workflow) nextCtx(ctx context.Context, item *models.CtxItem, signals *EventEmitter, stream bool) (*models.CtxItem, error) {
	item.SetOutput(FilterExecuteTags(item.LiveOutput), "")
	item.Partial = false
	item.SetExtra(models.ExtraAgentStep, true)
	w.persist(ctx, item)
	if stream {
		signals.EndStream(ctx, item)
	}
	signals.SendResponse(ctx, item)

	next, err := AddNextCtx(item)
	if err != nil {
		return nil, err
	}
	delete(next.Extra, models.ExtraAgentStep)
	delete(next.Extra, models.ExtraToolOutput)
	next.Partial = true
	return next, nil
}

// halt persists the partial output after a stop.
func (w *Workflow) halt(ctx context.Context, item *models.CtxItem, signals *EventEmitter) {
	item.SetOutput(FilterExecuteTags(item.LiveOutput), "")
	w.persist(context.WithoutCancel(ctx), item)
	signals.EndStream(ctx, item)
	signals.RunStopped(ctx, item)
}

func marshalArgs(args map[string]any) []byte {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}
