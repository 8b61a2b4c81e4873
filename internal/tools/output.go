package tools

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ToolOutput is the captured result of a code-execution command.
type ToolOutput struct {
	Cmd        string
	CodeInput  map[string]any
	CodeOutput map[string]any
	Plugin     string
	Result     any
}

// Map renders the output in the shape stored under Extra["tool_output"].
func (o *ToolOutput) Map() map[string]any {
	return map[string]any{
		"cmd": o.Cmd,
		"code": map[string]any{
			"input":  o.CodeInput,
			"output": o.CodeOutput,
		},
		"plugin": o.Plugin,
		"result": o.Result,
	}
}

// outputText returns the code output content, if any.
func (o *ToolOutput) outputText() string {
	if o.CodeOutput == nil {
		return ""
	}
	s, _ := o.CodeOutput["content"].(string)
	return s
}

// codeOutputOf recognizes the {"code": {"input": ..., "output": ...}} result
// shape of code-execution commands.
func codeOutputOf(cmd string, value any) *ToolOutput {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	code, ok := m["code"].(map[string]any)
	if !ok {
		return nil
	}
	out := &ToolOutput{Cmd: cmd, Result: m["result"]}
	out.CodeInput, _ = code["input"].(map[string]any)
	out.CodeOutput, _ = code["output"].(map[string]any)
	out.Plugin, _ = m["plugin"].(string)
	if out.Result == nil {
		out.Result = out.outputText()
	}
	return out
}

func (t *Tools) capture(cmd string, value any) {
	out := codeOutputOf(cmd, value)
	if out == nil {
		return
	}
	t.mu.Lock()
	t.last = out
	t.mu.Unlock()
}

// LastToolOutput returns the most recent code-execution output, or nil.
func (t *Tools) LastToolOutput() *ToolOutput {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// ClearLastToolOutput empties the last-output slot.
func (t *Tools) ClearLastToolOutput() {
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
}

func (t *Tools) drain() *ToolOutput {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.last
	t.last = nil
	return out
}

// AppendToolOutputs moves the last-output slot onto item. It reports
// whether anything was appended.
func (t *Tools) AppendToolOutputs(item *models.CtxItem) bool {
	out := t.drain()
	if out == nil || item == nil {
		return false
	}
	appendOutput(item, out)
	return true
}

// ExtractToolOutputs is AppendToolOutputs followed by a scan of item.Results
// for code-execution results produced outside the tool layer. It returns
// the number of outputs attached.
func (t *Tools) ExtractToolOutputs(item *models.CtxItem) int {
	if item == nil {
		return 0
	}
	n := 0
	if t.AppendToolOutputs(item) {
		n++
	}
	for _, res := range item.Results {
		cmd, _ := res["cmd"].(string)
		if out := codeOutputOf(cmd, res["result"]); out != nil {
			appendOutput(item, out)
			n++
		}
	}
	return n
}

func appendOutput(item *models.CtxItem, out *ToolOutput) {
	outputs := item.ToolOutputs()
	outputs = append(outputs, out.Map())
	item.SetExtra(models.ExtraToolOutput, outputs)
	scanAttachments(item, out.outputText())
}

var (
	pathPattern = regexp.MustCompile(`(?:https?://[^\s"'<>()]+|(?:[A-Za-z]:)?[\w./\\-]*[\\/][\w.-]+\.[A-Za-z0-9]{2,5})`)

	imageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".webp": true, ".bmp": true, ".svg": true,
	}
	fileExts = map[string]bool{
		".csv": true, ".txt": true, ".json": true, ".pdf": true, ".xlsx": true,
		".html": true, ".md": true, ".zip": true, ".py": true, ".log": true,
	}
)

// scanAttachments adds image and file references found in text to item's
// image, file and URL lists, without duplicates.
func scanAttachments(item *models.CtxItem, text string) {
	if text == "" {
		return
	}
	for _, match := range pathPattern.FindAllString(text, -1) {
		match = strings.TrimRight(match, ".,;:")
		ext := strings.ToLower(filepath.Ext(match))
		isURL := strings.HasPrefix(match, "http://") || strings.HasPrefix(match, "https://")
		switch {
		case imageExts[ext]:
			item.Images = appendUnique(item.Images, match)
		case isURL:
			item.URLs = appendUnique(item.URLs, match)
		case fileExts[ext]:
			item.Files = appendUnique(item.Files, match)
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
