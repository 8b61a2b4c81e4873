package bridge

import (
	"context"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// LLMResolver returns the LLM serving a model.
type LLMResolver interface {
	ForModel(model *models.Model) (llm.Provider, error)
}

// LLMs wraps inner so that every completion started through a resolved
// provider first passes ApplyRateLimit. Agent runs talk to the model
// directly and use it to share the bridge throttle.
func (b *Bridge) LLMs(inner LLMResolver) LLMResolver {
	return &limitedLLMs{bridge: b, inner: inner}
}

type limitedLLMs struct {
	bridge *Bridge
	inner  LLMResolver
}

func (l *limitedLLMs) ForModel(model *models.Model) (llm.Provider, error) {
	p, err := l.inner.ForModel(model)
	if err != nil {
		return nil, err
	}
	return &limitedProvider{Provider: p, bridge: l.bridge}, nil
}

type limitedProvider struct {
	llm.Provider
	bridge *Bridge
}

func (p *limitedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	if err := p.bridge.ApplyRateLimit(ctx); err != nil {
		return nil, err
	}
	return p.Provider.Complete(ctx, req)
}
