package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Plan creates a plan of sub-tasks and runs each sub-task as its own step
// loop.
type Plan struct {
	strategy
}

// Run executes the plan, emitting the plan summary, every step of every
// sub-task and one finalized item per sub-task. Only the last sub-task's
// final item is marked as the finish. It returns false without an error
// when stopped.
func (p *Plan) Run(ctx context.Context, agent PlanAgent, in *RunInput) (bool, error) {
	items, err := p.run(ctx, agent, in, in.Signals)
	if err != nil {
		return false, err
	}
	if items == nil {
		in.Signals.RunStopped(ctx, in.Item)
		return false, nil
	}
	p.finish(ctx, in, items[len(items)-1])
	return true, nil
}

// RunOnce executes the plan without signals and returns the last item
// produced, or nil when stopped.
func (p *Plan) RunOnce(ctx context.Context, agent PlanAgent, in *RunInput) (*models.CtxItem, error) {
	in.Detached = true
	items, err := p.run(ctx, agent, in, nil)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[len(items)-1], nil
}

// run returns every emitted item, or nil when stopped.
func (p *Plan) run(ctx context.Context, agent PlanAgent, in *RunInput, signals *EventEmitter) ([]*models.CtxItem, error) {
	if p.isStopped(ctx) {
		return nil, nil
	}
	plan, err := agent.CreatePlan(ctx, in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	var items []*models.CtxItem
	emit := func(item *models.CtxItem) {
		items = append(items, item)
		p.emit(ctx, in, signals, item)
	}

	summary, err := AddCtx(in.Item, false)
	if err != nil {
		return nil, err
	}
	summary.SetOutput(describePlan(plan), "")
	summary.SetExtra(models.ExtraAgentStep, true)
	emit(summary)

	total := len(plan.SubTasks)
	for i, sub := range plan.SubTasks {
		var (
			outputs []ToolOutput
			index   int
		)
		for step := 1; ; step++ {
			if p.isStopped(ctx) {
				return nil, nil
			}
			signals.SetIter(step)

			out, err := agent.RunStep(ctx, plan, sub)
			if err != nil {
				return nil, fmt.Errorf("sub-task %q: %w", sub.Name, err)
			}
			outputs = append(outputs, out.ToolOutputs...)
			p.verbose(in, "plan step", "subtask", i+1, "step", step, "last", out.IsLast)

			item, err := AddCtx(in.Item, true)
			if err != nil {
				return nil, err
			}
			item.SetOutput(fmt.Sprintf("`Sub-task %d/%d, step %d: %s`\n\n%s", i+1, total, step, sub.Name, out.Output), "")
			copyToolOutputs(item, outputs[index:])
			index = len(outputs)
			item.SetExtra(models.ExtraAgentStep, true)
			in.Item.Results = nil
			emit(item)

			if out.IsLast {
				break
			}
		}

		response, err := agent.FinalizeSubtask(ctx, plan, sub)
		if err != nil {
			return nil, fmt.Errorf("finalize sub-task %q: %w", sub.Name, err)
		}
		final, err := AddCtx(in.Item, false)
		if err != nil {
			return nil, err
		}
		final.SetOutput(fmt.Sprintf("`Finished sub-task %d/%d: %s`\n\n%s", i+1, total, sub.Name, response), "")
		final.SetAgentFinalResponse(response)
		final.SetExtra(models.ExtraAgentOutput, true)
		if i == total-1 {
			final.SetExtra(models.ExtraAgentFinish, true)
			p.appendToolOutputs(final)
		}
		emit(final)
	}
	return items, nil
}

func describePlan(plan *TaskPlan) string {
	var b strings.Builder
	b.WriteString("`Current plan:`\n")
	for i, sub := range plan.SubTasks {
		fmt.Fprintf(&b, "\n**===== Sub Task %d: %s =====**\n", i+1, sub.Name)
		if sub.ExpectedOutput != "" {
			fmt.Fprintf(&b, "Expected output: %s\n", sub.ExpectedOutput)
		}
		if len(sub.Dependencies) > 0 {
			fmt.Fprintf(&b, "Dependencies: %s\n", strings.Join(sub.Dependencies, ", "))
		}
	}
	return b.String()
}
