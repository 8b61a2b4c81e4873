// Package llm holds the vendor chat clients used by the bridge and the agent
// providers. Every client streams through the same CompletionChunk channel.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/backoff"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrNoProvider is returned when no client is registered for a provider name.
var ErrNoProvider = errors.New("llm provider not registered")

// Provider is a streaming chat-completion backend.
type Provider interface {
	// Name returns the provider name ("openai", "anthropic").
	Name() string

	// Complete starts a completion and returns a channel of chunks. The
	// channel is closed after a Done or Error chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest contains all parameters for a completion request.
type CompletionRequest struct {
	Model       string     `json:"model"`
	System      string     `json:"system,omitempty"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float32    `json:"temperature,omitempty"`
}

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls are tool requests made by an assistant message.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionChunk is one streamed piece of a response.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Response is a fully collected completion.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains chunks into a Response. onText, when set, receives every
// text delta as it arrives.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk, onText func(string)) (*Response, error) {
	resp := &Response{}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				resp.Text = text.String()
				return resp, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if onText != nil {
					onText(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.InputTokens > 0 {
				resp.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				resp.OutputTokens = chunk.OutputTokens
			}
		}
	}
}

// Complete is a convenience for a non-streaming call.
func Complete(ctx context.Context, p Provider, req *CompletionRequest) (*Response, error) {
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, chunks, nil)
}

// Registry maps provider names to clients.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	return p, nil
}

// ForModel returns the client serving model, falling back to openai when
// the descriptor names no provider.
func (r *Registry) ForModel(model *models.Model) (Provider, error) {
	name := "openai"
	if model != nil && model.Provider != "" {
		name = model.Provider
	}
	return r.Get(name)
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// retrier holds shared retry settings for vendor clients.
type retrier struct {
	attempts int
	policy   backoff.Policy
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := backoff.DefaultPolicy()
	if retryDelay > 0 {
		policy.Initial = retryDelay
	}
	return retrier{attempts: maxRetries, policy: policy}
}

// do runs op with exponential backoff while isRetryable accepts the error.
func (r retrier) do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	return backoff.Retry(ctx, r.policy, r.attempts, isRetryable, op)
}

// isRetryableError classifies transient vendor failures by message.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "too many requests",
		"500", "502", "503", "504", "overloaded",
		"timeout", "deadline exceeded", "connection reset", "connection refused",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
