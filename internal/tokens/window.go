// Package tokens estimates token usage for prompts and conversation items.
package tokens

import (
	"strings"
	"unicode/utf8"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

const (
	// DefaultContextWindow is the context size assumed for unknown models.
	DefaultContextWindow = 128000

	// TokensPerChar is a rough estimate of tokens per character (conservative).
	TokensPerChar = 0.25

	// MessageOverhead is added per chat message for role and formatting.
	MessageOverhead = 4
)

// ModelContextWindows maps model IDs to their context window sizes.
var ModelContextWindows = map[string]int{
	// OpenAI models
	"gpt-4":         8192,
	"gpt-4-32k":     32768,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4.1":       1047576,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o1-mini":       128000,
	"o3-mini":       200000,

	// Anthropic models
	"claude-3-opus":     200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
}

// EstimateTokens estimates the number of tokens in text.
// Uses a conservative estimate of ~4 characters per token.
func EstimateTokens(text string) int {
	charCount := utf8.RuneCountInString(text)
	tokens := int(float64(charCount) * TokensPerChar)

	// Minimum of 1 token for non-empty text
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}

// FromPrompt estimates the cost of a system prompt plus user prompt.
func FromPrompt(system, prompt string) int {
	total := 0
	if system != "" {
		total += EstimateTokens(system) + MessageOverhead
	}
	if prompt != "" {
		total += EstimateTokens(prompt) + MessageOverhead
	}
	return total
}

// FromCtx estimates the cost of replaying item as history in the given mode.
// It depends only on the item content, mode and model, so history windows
// computed from it are deterministic.
func FromCtx(item *models.CtxItem, mode, model string) int {
	if item == nil {
		return 0
	}
	input := item.FinalInput()
	output := item.FinalOutput()
	switch mode {
	case models.ModeCompletion:
		// "name: text" lines, no per-message envelope
		total := EstimateTokens(item.InputName + ": " + input)
		total += EstimateTokens(item.OutputName + ": " + output)
		return total
	case models.ModeImage:
		return 0
	}
	total := 0
	if input != "" {
		total += EstimateTokens(input) + MessageOverhead
	}
	if output != "" {
		total += EstimateTokens(output) + MessageOverhead
	}
	return total
}

// ContextWindow returns the context window for a model ID, falling back to
// the longest matching prefix and then DefaultContextWindow.
func ContextWindow(modelID string) int {
	if n, ok := lookupWindow(modelID); ok {
		return n
	}
	return DefaultContextWindow
}

func lookupWindow(modelID string) (int, bool) {
	if tokens, ok := ModelContextWindows[modelID]; ok {
		return tokens, true
	}

	// Longest prefix wins ("gpt-4-turbo-preview" -> "gpt-4-turbo", not "gpt-4")
	bestMatch := ""
	bestTokens := 0
	for prefix, tokens := range ModelContextWindows {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestTokens = tokens
		}
	}
	if bestMatch != "" {
		return bestTokens, true
	}
	return 0, false
}

// RegisterContextWindow registers a context window size for a model.
func RegisterContextWindow(modelID string, tokens int) {
	if tokens > 0 {
		ModelContextWindows[modelID] = tokens
	}
}

// Budget returns how many tokens remain for history given the model window,
// the tokens already used by the prompt and the reserved output size.
func Budget(model *models.Model, used, reserved int) int {
	window := 0
	if model != nil {
		window = model.Ctx
	}
	if window <= 0 && model != nil {
		window = ContextWindow(model.ID)
	}
	if window <= 0 {
		window = DefaultContextWindow
	}
	remaining := window - used - reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}
