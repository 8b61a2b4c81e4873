package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	deepcopy "github.com/tiendc/go-deepcopy"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// StopFlag is the cooperative stop switch polled by every strategy at
// iteration or event granularity. The zero value is ready to use and a nil
// *StopFlag never reports stopped.
type StopFlag struct {
	v atomic.Bool
}

// Stop requests a stop.
func (f *StopFlag) Stop() {
	if f != nil {
		f.v.Store(true)
	}
}

// Reset clears the flag before a new run.
func (f *StopFlag) Reset() {
	if f != nil {
		f.v.Store(false)
	}
}

// Stopped reports whether a stop was requested.
func (f *StopFlag) Stopped() bool {
	return f != nil && f.v.Load()
}

// stopped combines the flag with context cancellation.
func stopped(ctx context.Context, flag *StopFlag) bool {
	return flag.Stopped() || ctx.Err() != nil
}

// AddCtx derives a child item for an intermediate step. The child shares the
// parent's conversation, links back to it and inherits its mode and model.
// With withToolOutputs the pending commands, results and tool outputs are
// deep-copied so the child can be mutated independently.
func AddCtx(parent *models.CtxItem, withToolOutputs bool) (*models.CtxItem, error) {
	child := models.NewCtxItem()
	child.Meta = parent.Meta
	child.MetaID = parent.MetaID
	child.PID = parent.PID
	child.Internal = parent.Internal
	child.Current = true
	child.Mode = parent.Mode
	child.Model = parent.Model
	child.PrevCtx = parent
	child.ThreadID = parent.ThreadID
	child.InputName = parent.InputName
	child.OutputName = parent.OutputName

	if withToolOutputs {
		if err := deepcopy.Copy(&child.Cmds, parent.Cmds); err != nil {
			return nil, fmt.Errorf("copy cmds: %w", err)
		}
		if err := deepcopy.Copy(&child.Results, parent.Results); err != nil {
			return nil, fmt.Errorf("copy results: %w", err)
		}
		if outputs := parent.ToolOutputs(); outputs != nil {
			var copied []map[string]any
			if err := deepcopy.Copy(&copied, outputs); err != nil {
				return nil, fmt.Errorf("copy tool outputs: %w", err)
			}
			child.Extra[models.ExtraToolOutput] = copied
		}
	}
	return child, nil
}

// AddNextCtx creates the next item of a multi-part answer. It carries the
// parent's extra keys forward and is stamped with a fresh output time.
func AddNextCtx(parent *models.CtxItem) (*models.CtxItem, error) {
	next, err := AddCtx(parent, false)
	if err != nil {
		return nil, err
	}
	var extra map[string]any
	if err := deepcopy.Copy(&extra, parent.Extra); err != nil {
		return nil, fmt.Errorf("copy extra: %w", err)
	}
	if extra == nil {
		extra = map[string]any{}
	}
	next.Extra = extra
	next.OutputTimestamp = time.Now()
	return next, nil
}

var thoughtAnswerRe = regexp.MustCompile(`(?s)Thought:\s*(.*?)\s*Answer:\s*(.*)`)

// ExtractFinalResponse splits a "Thought: ... Answer: ..." reply. When no
// answer is present, answer is empty and thought is empty too.
func ExtractFinalResponse(text string) (thought, answer string) {
	m := thoughtAnswerRe.FindStringSubmatch(text)
	if m == nil {
		return "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

var executeTagRe = regexp.MustCompile(`</?execute>`)

// FilterExecuteTags strips <execute> markup from agent output, keeping the
// enclosed text.
func FilterExecuteTags(text string) string {
	return strings.TrimSpace(executeTagRe.ReplaceAllString(text, ""))
}

// copyToolOutputs attaches a slice of step tool outputs to item.
func copyToolOutputs(item *models.CtxItem, outputs []ToolOutput) {
	if len(outputs) == 0 {
		return
	}
	list := make([]map[string]any, 0, len(outputs))
	for _, out := range outputs {
		list = append(list, out.Map())
	}
	item.SetExtra(models.ExtraToolOutput, list)
}
