package models

// Work modes a conversation or request can run in.
const (
	ModeChat        = "chat"
	ModeCompletion  = "completion"
	ModeImage       = "img"
	ModeVision      = "vision"
	ModeAssistant   = "assistant"
	ModeLangChain   = "langchain"
	ModeLlamaIndex  = "llama_index"
	ModeAgent       = "agent"
	ModeAgentLlama  = "agent_llama"
	ModeAgentOpenAI = "agent_openai"
	ModeExpert      = "expert"
	ModeResearch    = "research"
)

// IsVirtualMode reports whether mode delegates to a configured sub-mode.
func IsVirtualMode(mode string) bool {
	return mode == ModeAgent || mode == ModeExpert
}

// Model describes an LLM the core can address.
type Model struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	Provider string   `json:"provider" yaml:"provider"`
	Ctx      int      `json:"ctx" yaml:"ctx"`
	Tokens   int      `json:"tokens,omitempty" yaml:"tokens"`
	Modes    []string `json:"modes" yaml:"modes"`
	Tools    bool     `json:"tools,omitempty" yaml:"tools"`
	Vision   bool     `json:"vision,omitempty" yaml:"vision"`
}

// IsSupported reports whether the model can run in mode.
func (m *Model) IsSupported(mode string) bool {
	if m == nil {
		return false
	}
	for _, supported := range m.Modes {
		if supported == mode {
			return true
		}
	}
	return false
}

// MaxOutputTokens caps a requested max-tokens value by the model limit.
func (m *Model) MaxOutputTokens(requested int) int {
	if m == nil || m.Tokens <= 0 {
		return requested
	}
	if requested <= 0 || requested > m.Tokens {
		return m.Tokens
	}
	return requested
}
