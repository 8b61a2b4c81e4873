package providers

import (
	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
)

// Config configures the built-in providers.
type Config struct {
	// MaxSteps bounds the reasoning steps of one task.
	// Default: 10
	MaxSteps int `yaml:"max_steps"`

	// AssistantID enables the hosted assistant provider.
	AssistantID string `yaml:"assistant_id"`
}

// NewRegistry returns a registry with every built-in provider. The hosted
// assistant provider is added only when assistants is set.
func NewRegistry(cfg Config, assistants AssistantsAPI) *agent.ProviderRegistry {
	list := []agent.Provider{
		NewReAct(cfg.MaxSteps),
		NewPlanner(cfg.MaxSteps),
		NewReActWorkflow(cfg.MaxSteps),
		NewOpenAIAgents(cfg.MaxSteps),
		NewEvaluator(),
	}
	if assistants != nil {
		list = append(list, NewOpenAIAssistant(assistants, AssistantConfig{AssistantID: cfg.AssistantID}))
	}
	return agent.NewProviderRegistry(list...)
}
