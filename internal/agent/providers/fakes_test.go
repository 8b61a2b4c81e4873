package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// scriptedLLM replies with its responses in order. Text is streamed in two
// chunks.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []llm.Response
	err      error
	requests []*llm.CompletionRequest
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(_ context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	copied.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, &copied)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]

	ch := make(chan *llm.CompletionChunk, len(reply.ToolCalls)+3)
	if reply.Text != "" {
		half := len(reply.Text) / 2
		ch <- &llm.CompletionChunk{Text: reply.Text[:half]}
		ch <- &llm.CompletionChunk{Text: reply.Text[half:]}
	}
	for i := range reply.ToolCalls {
		ch <- &llm.CompletionChunk{ToolCall: &reply.ToolCalls[i]}
	}
	ch <- &llm.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) request(i int) *llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func toolReply(text string, calls ...models.ToolCall) llm.Response {
	return llm.Response{Text: text, ToolCalls: calls}
}

func readFileCall(id, path string) models.ToolCall {
	return models.ToolCall{ID: id, Type: "function", Name: "read_file", Arguments: `{"path":"` + path + `"}`}
}

// fileTools exposes a read_file tool answering from files.
func fileTools(files map[string]string) *tools.Toolset {
	return &tools.Toolset{
		Functions: []tools.FunctionTool{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			},
		}},
		Callables: map[string]tools.Callable{
			"read_file": func(_ context.Context, params map[string]any) (string, error) {
				path, _ := params["path"].(string)
				content, ok := files[path]
				if !ok {
					return "", errors.New("no such file")
				}
				return content, nil
			},
		},
	}
}

func buildOptions(l llm.Provider, set *tools.Toolset) *agent.BuildOptions {
	item := models.NewCtxItem()
	item.Meta = models.NewCtxMeta()
	return &agent.BuildOptions{
		Item:  item,
		Model: &models.Model{ID: "gpt-4o", Tokens: 4096},
		LLM:   l,
		Tools: set,
	}
}
