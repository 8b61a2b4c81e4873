package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
)

// AssistantsAPI is the part of the OpenAI client used by the assistant
// provider.
type AssistantsAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
}

// AssistantConfig configures the hosted assistant provider.
type AssistantConfig struct {
	// AssistantID is the default assistant. The input item may not carry
	// one, so it is required.
	AssistantID string

	// PollInterval is the wait between run status checks.
	// Default: 500ms
	PollInterval time.Duration

	// MaxRetries bounds retries of transient API failures.
	// Default: 3
	MaxRetries int
}

// OpenAIAssistant builds executions backed by the OpenAI Assistants API.
type OpenAIAssistant struct {
	BaseProvider
	client      AssistantsAPI
	assistantID string
	poll        time.Duration
}

// NewOpenAIAssistant creates the assistant provider.
func NewOpenAIAssistant(client AssistantsAPI, cfg AssistantConfig) *OpenAIAssistant {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &OpenAIAssistant{
		BaseProvider: NewBaseProvider(AssistantID, cfg.MaxRetries, cfg.PollInterval),
		client:       client,
		assistantID:  cfg.AssistantID,
		poll:         cfg.PollInterval,
	}
}

// Build returns an assistant execution on the thread of the input item.
func (p *OpenAIAssistant) Build(_ context.Context, opts *agent.BuildOptions) (agent.Execution, error) {
	if p.client == nil {
		return nil, errors.New("openai client is not configured")
	}
	if p.assistantID == "" {
		return nil, errors.New("assistant id is not configured")
	}
	exec := agent.AssistantExecution{
		Agent:       &assistantAgent{provider: p},
		AssistantID: p.assistantID,
	}
	if opts != nil && opts.Item != nil {
		exec.ThreadID = opts.Item.ThreadID
	}
	return exec, nil
}

type assistantAgent struct {
	provider *OpenAIAssistant
}

// Chat posts the input to the thread, runs the assistant and returns the
// first message of the run.
func (a *assistantAgent) Chat(ctx context.Context, req *agent.AssistantRequest) (*agent.AssistantResponse, error) {
	p := a.provider
	threadID := req.ThreadID
	if threadID == "" {
		var thread openai.Thread
		err := p.Retry(ctx, isTransient, func() error {
			var err error
			thread, err = p.client.CreateThread(ctx, openai.ThreadRequest{})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	}

	if _, err := p.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: req.Input,
	}); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	run, err := p.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: req.AssistantID})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	run, err = a.wait(ctx, threadID, run)
	if err != nil {
		return nil, err
	}

	limit := 1
	order := "desc"
	var list openai.MessagesList
	err = p.Retry(ctx, isTransient, func() error {
		var err error
		list, err = p.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &run.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	resp := &agent.AssistantResponse{ThreadID: threadID, RunID: run.ID}
	if len(list.Messages) > 0 {
		msg := list.Messages[0]
		resp.MsgID = msg.ID
		resp.Output = messageText(msg)
	}
	return resp, nil
}

// wait polls run until it leaves the queued and in-progress states.
func (a *assistantAgent) wait(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	p := a.provider
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for run.Status == openai.RunStatusQueued || run.Status == openai.RunStatusInProgress {
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
		err := p.Retry(ctx, isTransient, func() error {
			var err error
			run, err = p.client.RetrieveRun(ctx, threadID, run.ID)
			return err
		})
		if err != nil {
			return run, fmt.Errorf("retrieve run: %w", err)
		}
	}
	if run.Status != openai.RunStatusCompleted {
		msg := string(run.Status)
		if run.LastError != nil && run.LastError.Message != "" {
			msg += ": " + run.LastError.Message
		}
		return run, fmt.Errorf("assistant run %s", msg)
	}
	return run, nil
}

func messageText(msg openai.Message) string {
	var parts []string
	for _, c := range msg.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

// isTransient reports rate limits and server errors.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
