package agent

import (
	"context"
	"fmt"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Assistant forwards the turn to a hosted assistant thread.
type Assistant struct {
	strategy
}

// Run sends the prompt and emits the reply as the final item. The thread
// id is carried onto the conversation header and both items.
func (a *Assistant) Run(ctx context.Context, exec AssistantExecution, in *RunInput) (bool, error) {
	if a.isStopped(ctx) {
		in.Signals.RunStopped(ctx, in.Item)
		return false, nil
	}

	threadID := exec.ThreadID
	if threadID == "" {
		threadID = in.Item.ThreadID
	}
	if threadID == "" && in.Item.Meta != nil {
		threadID = in.Item.Meta.Thread
	}

	resp, err := exec.Agent.Chat(ctx, &AssistantRequest{
		AssistantID: exec.AssistantID,
		ThreadID:    threadID,
		Input:       in.Prompt,
	})
	if err != nil {
		return false, fmt.Errorf("assistant chat: %w", err)
	}
	if a.isStopped(ctx) {
		in.Signals.RunStopped(ctx, in.Item)
		return false, nil
	}

	in.Item.ThreadID = resp.ThreadID
	if in.Item.Meta != nil {
		in.Item.Meta.Thread = resp.ThreadID
	}

	item, err := AddCtx(in.Item, false)
	if err != nil {
		return false, err
	}
	item.ThreadID = resp.ThreadID
	item.MsgID = resp.MsgID
	item.RunID = resp.RunID
	item.SetOutput(resp.Output, "")
	item.SetAgentFinalResponse(resp.Output)
	item.SetExtra(models.ExtraAgentOutput, true)
	item.SetExtra(models.ExtraAgentFinish, true)
	a.appendToolOutputs(item)

	a.emit(ctx, in, in.Signals, item)
	a.finish(ctx, in, item)
	return true, nil
}
