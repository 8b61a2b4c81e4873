package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
)

// Retriever answers a query from a named index.
type Retriever interface {
	Query(ctx context.Context, idx, query string) (string, error)
}

// RetrievalCaller serves the llama_index mode: it looks up the request
// prompt in the selected index and hands the matches to the chat caller as
// additional system context. Without an index it is a plain chat call.
type RetrievalCaller struct {
	chat      Caller
	retriever Retriever
	logger    *slog.Logger
}

// NewRetrievalCaller wraps chat with retrieval from r.
func NewRetrievalCaller(chat Caller, r Retriever, logger *slog.Logger) *RetrievalCaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalCaller{
		chat:      chat,
		retriever: r,
		logger:    logger.With("component", "retrieval"),
	}
}

// Call augments bctx with retrieved context and delegates to chat.
func (c *RetrievalCaller) Call(ctx context.Context, bctx *Context) (bool, error) {
	if err := c.augment(ctx, bctx); err != nil {
		return false, err
	}
	return c.chat.Call(ctx, bctx)
}

// QuickCall augments bctx with retrieved context and delegates to chat.
func (c *RetrievalCaller) QuickCall(ctx context.Context, bctx *Context) (string, error) {
	if err := c.augment(ctx, bctx); err != nil {
		return "", err
	}
	return c.chat.QuickCall(ctx, bctx)
}

func (c *RetrievalCaller) augment(ctx context.Context, bctx *Context) error {
	if c.retriever == nil || !index.IsSet(bctx.Idx) {
		return nil
	}
	found, err := c.retriever.Query(ctx, bctx.Idx, bctx.UserPrompt())
	if errors.Is(err, index.ErrUnknownIndex) {
		c.logger.Warn("index has no documents", "idx", bctx.Idx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("query index %s: %w", bctx.Idx, err)
	}
	if found == "" {
		return nil
	}
	block := "Use the following context from index \"" + bctx.Idx + "\" to answer:\n\n" + found
	if bctx.SystemPrompt == "" {
		bctx.SystemPrompt = block
	} else {
		bctx.SystemPrompt += "\n\n" + block
	}
	return nil
}

var _ Caller = (*RetrievalCaller)(nil)
