// Package models provides the shared domain types for conversations, agent
// runs and render events.
package models

import (
	"strings"
	"time"
)

// Extra keys carried on CtxItem.Extra.
const (
	ExtraAgentInput      = "agent_input"
	ExtraAgentOutput     = "agent_output"
	ExtraAgentStep       = "agent_step"
	ExtraAgentFinish     = "agent_finish"
	ExtraAgentEvalFinish = "agent_eval_finish"
	ExtraToolOutput      = "tool_output"
	ExtraError           = "error"
	ExtraFooter          = "footer"
)

// Command is a single plugin command attached to a context item.
type Command struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolCall is a native API tool-call record.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// CtxItem is one turn of a conversation: an input, the output produced for it,
// and the tool/agent state gathered while producing it.
type CtxItem struct {
	ID         int64    `json:"id"`
	MetaID     int64    `json:"meta_id"`
	Meta       *CtxMeta `json:"-"` // owning conversation, not an ownership edge
	PID        int      `json:"-"` // render surface
	ExternalID string   `json:"external_id,omitempty"`

	Mode  string `json:"mode,omitempty"`
	Model string `json:"model,omitempty"`

	Input        string `json:"input"`
	Output       string `json:"output"`
	HiddenInput  string `json:"hidden_input,omitempty"`
	HiddenOutput string `json:"hidden_output,omitempty"`
	InputName    string `json:"input_name,omitempty"`
	OutputName   string `json:"output_name,omitempty"`

	// Live streaming state; never persisted.
	Stream     string `json:"-"`
	LiveOutput string `json:"-"`
	Partial    bool   `json:"-"`

	Cmds      []Command        `json:"cmds,omitempty"`
	Results   []map[string]any `json:"results,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`

	AgentCall             bool     `json:"agent_call,omitempty"`
	AgentFinalResponse    string   `json:"agent_final_response,omitempty"`
	UseAgentFinalResponse bool     `json:"use_agent_final_response,omitempty"`
	PrevCtx               *CtxItem `json:"-"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	InputTimestamp  time.Time `json:"input_ts"`
	OutputTimestamp time.Time `json:"output_ts"`

	Internal bool `json:"internal,omitempty"`
	Hidden   bool `json:"hidden,omitempty"`
	First    bool `json:"-"`
	Current  bool `json:"-"`

	Attachments       []string `json:"attachments,omitempty"`
	AttachmentsBefore []string `json:"-"`
	Images            []string `json:"images,omitempty"`
	ImagesBefore      []string `json:"-"`
	Files             []string `json:"files,omitempty"`
	FilesBefore       []string `json:"-"`
	URLs              []string `json:"urls,omitempty"`
	URLsBefore        []string `json:"-"`

	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	MsgID    string `json:"msg_id,omitempty"`
}

// NewCtxItem returns an empty item stamped with the current input time.
func NewCtxItem() *CtxItem {
	return &CtxItem{
		Extra:          map[string]any{},
		InputTimestamp: time.Now(),
	}
}

// FinalInput is the input with any hidden input appended.
func (c *CtxItem) FinalInput() string {
	return joinHidden(c.Input, c.HiddenInput)
}

// FinalOutput is the output with any hidden output appended.
func (c *CtxItem) FinalOutput() string {
	return joinHidden(c.Output, c.HiddenOutput)
}

func joinHidden(visible, hidden string) string {
	if hidden == "" {
		return visible
	}
	if visible == "" {
		return hidden
	}
	return visible + "\n" + hidden
}

// SetInput sets the input text and its author name.
func (c *CtxItem) SetInput(text, name string) {
	c.Input = text
	if name != "" {
		c.InputName = name
	}
	c.InputTimestamp = time.Now()
}

// SetOutput sets the output text and its author name.
func (c *CtxItem) SetOutput(text, name string) {
	c.Output = text
	if name != "" {
		c.OutputName = name
	}
	c.OutputTimestamp = time.Now()
}

// SetTokens records token usage; the total is always the sum of both sides.
func (c *CtxItem) SetTokens(input, output int) {
	c.InputTokens = input
	c.OutputTokens = output
	c.TotalTokens = input + output
}

// SetAgentFinalResponse stores the canonical agent answer.
func (c *CtxItem) SetAgentFinalResponse(text string) {
	c.AgentFinalResponse = text
}

// AppendHiddenInput appends text to the hidden input block.
func (c *CtxItem) AppendHiddenInput(text string) {
	if c.HiddenInput == "" {
		c.HiddenInput = text
		return
	}
	c.HiddenInput += "\n" + text
}

// SetExtra sets a key in Extra, allocating the map if needed.
func (c *CtxItem) SetExtra(key string, value any) {
	if c.Extra == nil {
		c.Extra = map[string]any{}
	}
	c.Extra[key] = value
}

// ExtraBool reports whether Extra[key] is a true boolean.
func (c *CtxItem) ExtraBool(key string) bool {
	if c.Extra == nil {
		return false
	}
	v, ok := c.Extra[key].(bool)
	return ok && v
}

// ExtraString returns Extra[key] as a string, or "".
func (c *CtxItem) ExtraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	v, _ := c.Extra[key].(string)
	return v
}

// HasExtra reports whether key is present in Extra.
func (c *CtxItem) HasExtra(key string) bool {
	if c.Extra == nil {
		return false
	}
	_, ok := c.Extra[key]
	return ok
}

// ToolOutputs returns the tool outputs stored under Extra["tool_output"].
func (c *CtxItem) ToolOutputs() []map[string]any {
	if c.Extra == nil {
		return nil
	}
	switch v := c.Extra[ExtraToolOutput].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// SnapshotBefore copies the attachment-like lists into their shadow fields so
// the state prior to the current turn can be restored or diffed.
func (c *CtxItem) SnapshotBefore() {
	c.AttachmentsBefore = append([]string(nil), c.Attachments...)
	c.ImagesBefore = append([]string(nil), c.Images...)
	c.FilesBefore = append([]string(nil), c.Files...)
	c.URLsBefore = append([]string(nil), c.URLs...)
}

// IsEmpty reports whether the item carries neither input nor output.
func (c *CtxItem) IsEmpty() bool {
	return strings.TrimSpace(c.Input) == "" && strings.TrimSpace(c.Output) == ""
}
