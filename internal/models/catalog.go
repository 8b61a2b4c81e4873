// Package models provides the catalog of model descriptors and the
// fallback-mode policy used when a model cannot run a requested mode.
package models

import (
	"sort"
	"strings"
	"sync"

	pkgmodels "github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// FallbackOrder is the preference order used to pick a supported mode when
// a model does not support the requested one.
var FallbackOrder = []string{
	pkgmodels.ModeChat,
	pkgmodels.ModeLlamaIndex,
	pkgmodels.ModeLangChain,
	pkgmodels.ModeCompletion,
}

// Catalog manages a collection of model descriptors.
type Catalog struct {
	models  map[string]*pkgmodels.Model // id -> model
	aliases map[string]string           // alias -> id
	mu      sync.RWMutex
}

// NewCatalog creates a catalog with the built-in models registered.
func NewCatalog() *Catalog {
	c := &Catalog{
		models:  make(map[string]*pkgmodels.Model),
		aliases: make(map[string]string),
	}
	c.registerBuiltinModels()
	return c
}

// Register adds or replaces a model.
func (c *Catalog) Register(model *pkgmodels.Model, aliases ...string) {
	if model == nil || model.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models[model.ID] = model
	for _, alias := range aliases {
		c.aliases[strings.ToLower(alias)] = model.ID
	}
}

// Get retrieves a model by ID or alias.
func (c *Catalog) Get(id string) (*pkgmodels.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if model, ok := c.models[id]; ok {
		return model, true
	}
	if realID, ok := c.aliases[strings.ToLower(id)]; ok {
		return c.models[realID], true
	}
	return nil, false
}

// List returns all models supporting mode ("" = all), sorted by provider
// then id.
func (c *Catalog) List(mode string) []*pkgmodels.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*pkgmodels.Model
	for _, model := range c.models {
		if mode == "" || model.IsSupported(mode) {
			result = append(result, model)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// FallbackMode returns mode when model supports it, otherwise the first
// mode of FallbackOrder the model supports. Models supporting none of them
// fall back to chat.
func FallbackMode(model *pkgmodels.Model, mode string) string {
	if model == nil || model.IsSupported(mode) {
		return mode
	}
	for _, candidate := range FallbackOrder {
		if model.IsSupported(candidate) {
			return candidate
		}
	}
	return pkgmodels.ModeChat
}

func (c *Catalog) registerBuiltinModels() {
	textModes := []string{
		pkgmodels.ModeChat, pkgmodels.ModeCompletion, pkgmodels.ModeLlamaIndex,
		pkgmodels.ModeLangChain, pkgmodels.ModeAgent, pkgmodels.ModeAgentLlama,
		pkgmodels.ModeAgentOpenAI, pkgmodels.ModeExpert, pkgmodels.ModeAssistant,
	}

	c.Register(&pkgmodels.Model{
		ID: "gpt-4o", Name: "GPT-4o", Provider: "openai",
		Ctx: 128000, Tokens: 16384, Tools: true, Vision: true,
		Modes: append([]string{pkgmodels.ModeVision}, textModes...),
	}, "4o")
	c.Register(&pkgmodels.Model{
		ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai",
		Ctx: 128000, Tokens: 16384, Tools: true, Vision: true,
		Modes: textModes,
	}, "4o-mini")
	c.Register(&pkgmodels.Model{
		ID: "gpt-4.1", Name: "GPT-4.1", Provider: "openai",
		Ctx: 1047576, Tokens: 32768, Tools: true, Vision: true,
		Modes: textModes,
	})
	c.Register(&pkgmodels.Model{
		ID: "o3-mini", Name: "o3-mini", Provider: "openai",
		Ctx: 200000, Tokens: 100000, Tools: true,
		Modes: []string{pkgmodels.ModeChat, pkgmodels.ModeAgentOpenAI, pkgmodels.ModeAgent, pkgmodels.ModeExpert},
	})
	c.Register(&pkgmodels.Model{
		ID: "dall-e-3", Name: "DALL-E 3", Provider: "openai",
		Modes: []string{pkgmodels.ModeImage},
	})
	c.Register(&pkgmodels.Model{
		ID: "claude-3-5-sonnet-latest", Name: "Claude 3.5 Sonnet", Provider: "anthropic",
		Ctx: 200000, Tokens: 8192, Tools: true, Vision: true,
		Modes: []string{
			pkgmodels.ModeChat, pkgmodels.ModeLlamaIndex, pkgmodels.ModeAgent,
			pkgmodels.ModeAgentLlama, pkgmodels.ModeExpert,
		},
	}, "claude-3-5-sonnet", "sonnet")
	c.Register(&pkgmodels.Model{
		ID: "claude-opus-4", Name: "Claude Opus 4", Provider: "anthropic",
		Ctx: 200000, Tokens: 32000, Tools: true, Vision: true,
		Modes: []string{
			pkgmodels.ModeChat, pkgmodels.ModeLlamaIndex, pkgmodels.ModeAgent,
			pkgmodels.ModeAgentLlama, pkgmodels.ModeExpert,
		},
	}, "opus")
}
