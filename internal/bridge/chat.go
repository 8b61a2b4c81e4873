package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ChatCaller answers requests through the vendor chat APIs in an
// llm.Registry.
type ChatCaller struct {
	providers *llm.Registry
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewChatCaller creates a chat backend over providers.
func NewChatCaller(providers *llm.Registry, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *ChatCaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatCaller{
		providers: providers,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "chat"),
	}
}

// Call sends the request and writes the answer, token usage and tool calls
// onto bctx.Ctx. Streamed deltas go to bctx.OnChunk.
func (c *ChatCaller) Call(ctx context.Context, bctx *Context) (bool, error) {
	var onText func(string)
	item := bctx.Ctx
	if bctx.Stream && bctx.OnChunk != nil {
		onText = func(delta string) {
			if item != nil {
				item.Stream += delta
				item.LiveOutput += delta
			}
			bctx.OnChunk(item, delta)
		}
	}

	resp, err := c.complete(ctx, bctx, onText)
	if err != nil {
		return false, err
	}
	if item != nil {
		item.SetOutput(resp.Text, "")
		item.SetTokens(resp.InputTokens, resp.OutputTokens)
		item.ToolCalls = resp.ToolCalls
		item.Stream = ""
		item.LiveOutput = ""
		if bctx.Model != nil {
			item.Model = bctx.Model.ID
		}
		if item.Mode == "" {
			item.Mode = bctx.Mode
		}
	}
	return true, nil
}

// QuickCall sends the request without streaming and returns the text.
func (c *ChatCaller) QuickCall(ctx context.Context, bctx *Context) (string, error) {
	resp, err := c.complete(ctx, bctx, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *ChatCaller) complete(ctx context.Context, bctx *Context, onText func(string)) (*llm.Response, error) {
	provider, err := c.providers.ForModel(bctx.Model)
	if err != nil {
		return nil, err
	}
	req := bctx.Request()

	ctx, span := c.tracer.TraceLLMRequest(ctx, provider.Name(), req.Model)
	defer span.End()

	start := time.Now()
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		c.record(provider.Name(), req.Model, "error", start, nil)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("%s: %w", provider.Name(), err)
	}
	resp, err := llm.Collect(ctx, chunks, onText)
	if err != nil {
		c.record(provider.Name(), req.Model, "error", start, nil)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("%s: %w", provider.Name(), err)
	}
	c.record(provider.Name(), req.Model, "success", start, resp)
	c.logger.Debug("completion finished",
		"provider", provider.Name(),
		"model", req.Model,
		"tool_calls", len(resp.ToolCalls),
		"elapsed", time.Since(start))
	return resp, nil
}

func (c *ChatCaller) record(provider, model, status string, start time.Time, resp *llm.Response) {
	var in, out int
	if resp != nil {
		in, out = resp.InputTokens, resp.OutputTokens
	}
	c.metrics.RecordLLMRequest(provider, model, status, time.Since(start).Seconds(), in, out)
}

var _ Caller = (*ChatCaller)(nil)

// modelID is a nil-safe accessor used in logs.
func modelID(m *models.Model) string {
	if m == nil {
		return ""
	}
	return m.ID
}
