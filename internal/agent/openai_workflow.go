package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// OpenAIWorkflow drives an SDK-style agent through lifecycle callbacks.
type OpenAIWorkflow struct {
	strategy
}

// Run invokes the agent with a ConnectionContext bound to this run. When
// the agent's last item is complete a consolidated response item is
// emitted; a still-partial last item was already emitted by the callbacks.
// It returns false without an error when stopped.
func (o *OpenAIWorkflow) Run(ctx context.Context, agent OpenAIAgent, in *RunInput) (bool, error) {
	signals := in.Signals
	if o.isStopped(ctx) {
		signals.RunStopped(ctx, in.Item)
		return false, nil
	}

	first, err := AddCtx(in.Item, true)
	if err != nil {
		return false, err
	}

	var (
		mu       sync.Mutex
		callErr  error
		halted   bool
		finished *models.CtxItem
		previous = in.PreviousResponseID
	)
	if previous == "" && in.Item.PrevCtx != nil {
		previous = in.Item.PrevCtx.MsgID
	}

	conn := &ConnectionContext{
		Stopped: func() bool {
			return o.isStopped(ctx)
		},
		OnStep: func(item *models.CtxItem, delta string, begin bool) {
			item.LiveOutput += delta
			item.Stream = delta
			if in.Stream {
				signals.SendStream(ctx, item, delta, begin)
			}
		},
		OnStop: func(item *models.CtxItem) {
			mu.Lock()
			halted = true
			mu.Unlock()
			item.SetOutput(FilterExecuteTags(item.LiveOutput), "")
			o.persist(context.WithoutCancel(ctx), item)
			signals.EndStream(ctx, item)
			signals.RunStopped(ctx, item)
		},
		OnNext: func(item *models.CtxItem) {
			if in.Stream {
				signals.SendStream(ctx, item, "", true)
			}
		},
		OnNextCtx: func(item *models.CtxItem, input, output, responseID string, finish bool) (*models.CtxItem, error) {
			item.SetOutput(output, "")
			item.MsgID = responseID
			item.Partial = false
			if finish {
				item.SetExtra(models.ExtraAgentOutput, true)
				item.SetExtra(models.ExtraAgentFinish, true)
				mu.Lock()
				finished = item
				mu.Unlock()
			} else {
				item.SetExtra(models.ExtraAgentStep, true)
			}
			o.persist(ctx, item)
			if in.Stream {
				signals.EndStream(ctx, item)
			}
			signals.SendResponse(ctx, item)

			next, err := AddNextCtx(item)
			if err != nil {
				return nil, err
			}
			delete(next.Extra, models.ExtraAgentStep)
			delete(next.Extra, models.ExtraAgentOutput)
			delete(next.Extra, models.ExtraAgentFinish)
			next.SetInput(input, "")
			next.Partial = true
			return next, nil
		},
		OnToolCall: func(callID, name string, args map[string]any) {
			signals.ToolStarted(ctx, callID, name, marshalArgs(args))
		},
		OnToolResult: func(callID string, out ToolOutput) {
			signals.ToolFinished(ctx, callID, out.Tool, !out.IsError, []byte(out.Output), 0)
		},
		OnError: func(err error) {
			mu.Lock()
			callErr = err
			mu.Unlock()
			in.Item.SetExtra(models.ExtraError, err.Error())
			signals.SetIdle(ctx)
		},
	}

	req := &OpenAIRequest{
		Item:               first,
		Input:              in.Prompt,
		History:            in.History,
		PreviousResponseID: previous,
		Stream:             in.Stream,
	}

	var result *OpenAIResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = agent.Run(gctx, conn, req)
		return err
	})
	err = g.Wait()

	mu.Lock()
	wasHalted, reported, committed := halted, callErr, finished
	mu.Unlock()

	if wasHalted {
		return false, nil
	}
	if o.isStopped(ctx) || isCancellation(err) {
		signals.RunStopped(ctx, first)
		return false, nil
	}
	if err != nil {
		in.Item.SetExtra(models.ExtraError, err.Error())
		return false, fmt.Errorf("openai workflow: %w", err)
	}
	if reported != nil {
		return false, reported
	}
	if result == nil || result.Item == nil {
		return false, errors.New("openai workflow: agent returned no item")
	}

	last := result.Item
	final := last
	switch {
	case last.Partial && committed != nil:
		final = committed
	case last.Partial:
		o.persist(ctx, last)
	}
	if !last.Partial {
		response, err := AddCtx(last, true)
		if err != nil {
			return false, err
		}
		response.SetInput(last.Input, "")
		response.SetOutput(result.Output, "")
		response.SetAgentFinalResponse(result.Output)
		response.MsgID = result.ResponseID
		response.SetExtra(models.ExtraAgentOutput, true)
		response.SetExtra(models.ExtraAgentFinish, true)
		o.appendToolOutputs(response)
		if in.Stream {
			signals.EndStream(ctx, last)
		}
		o.emit(ctx, in, signals, response)
		final = response
	}
	o.finish(ctx, in, final)
	return true, nil
}
