package bridge

import (
	"errors"
	"fmt"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ErrInvalidContext is returned by Validate for malformed requests.
var ErrInvalidContext = errors.New("invalid bridge context")

// Context is the request envelope handed to the bridge. It is built fresh
// for every call and never persisted.
type Context struct {
	// Ctx is the item being answered. Output, tokens and tool calls are
	// written back to it.
	Ctx     *models.CtxItem
	History []*models.CtxItem

	Mode string
	// ParentMode keeps the virtual mode (agent, expert) after resolution.
	ParentMode string
	Model      *models.Model

	Prompt       string
	SystemPrompt string
	Stream       bool
	Attachments  []string

	// Idx selects a retrieval index; index.None or "" means none.
	Idx string

	MaxTokens   int
	Temperature float32

	// Assistants API fields.
	ThreadID     string
	AssistantID  string
	ToolsOutputs []map[string]any

	// Tools are functions offered to the model for this call.
	Tools []llm.ToolSpec

	// OnChunk receives streamed deltas when Stream is set.
	OnChunk func(item *models.CtxItem, delta string)
}

// NewContext builds a request for item in mode.
func NewContext(item *models.CtxItem, mode string, model *models.Model, prompt string) *Context {
	return &Context{
		Ctx:    item,
		Mode:   mode,
		Model:  model,
		Prompt: prompt,
	}
}

// Validate checks the request is dispatchable.
func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidContext)
	}
	if c.Mode == "" {
		return fmt.Errorf("%w: mode is required", ErrInvalidContext)
	}
	if c.Prompt == "" && c.Ctx == nil {
		return fmt.Errorf("%w: prompt or ctx is required", ErrInvalidContext)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: negative max tokens", ErrInvalidContext)
	}
	return nil
}

// UserPrompt returns the text to send as the final user message.
func (c *Context) UserPrompt() string {
	if c.Prompt != "" {
		return c.Prompt
	}
	if c.Ctx != nil {
		return c.Ctx.FinalInput()
	}
	return ""
}

// Messages converts the history plus the current prompt to chat messages.
func (c *Context) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(c.History)*2+1)
	for _, item := range c.History {
		if item == nil {
			continue
		}
		if in := item.FinalInput(); in != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in})
		}
		if out := item.FinalOutput(); out != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: out})
		}
	}
	if prompt := c.UserPrompt(); prompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
	}
	return msgs
}

// Request builds the completion request for this context.
func (c *Context) Request() *llm.CompletionRequest {
	req := &llm.CompletionRequest{
		System:      c.SystemPrompt,
		Messages:    c.Messages(),
		Tools:       c.Tools,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	if c.Model != nil {
		req.Model = c.Model.ID
		req.MaxTokens = c.Model.MaxOutputTokens(c.MaxTokens)
	}
	return req
}
