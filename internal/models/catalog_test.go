package models

import (
	"testing"

	pkgmodels "github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

func TestCatalog_GetAndAlias(t *testing.T) {
	c := NewCatalog()
	if m, ok := c.Get("gpt-4o"); !ok || m.Provider != "openai" {
		t.Fatalf("Get(gpt-4o) = %v, %v", m, ok)
	}
	if m, ok := c.Get("SONNET"); !ok || m.ID != "claude-3-5-sonnet-latest" {
		t.Errorf("alias lookup = %v, %v", m, ok)
	}
	if _, ok := c.Get("nope"); ok {
		t.Error("Get(nope) should fail")
	}
}

func TestCatalog_ListByMode(t *testing.T) {
	c := NewCatalog()
	images := c.List(pkgmodels.ModeImage)
	if len(images) != 1 || images[0].ID != "dall-e-3" {
		t.Errorf("List(img) = %v", images)
	}
	all := c.List("")
	for i := 1; i < len(all); i++ {
		if all[i-1].Provider > all[i].Provider {
			t.Fatalf("List() not sorted by provider")
		}
	}
}

func TestFallbackMode(t *testing.T) {
	tests := []struct {
		name  string
		model *pkgmodels.Model
		mode  string
		want  string
	}{
		{
			name:  "supported",
			model: &pkgmodels.Model{Modes: []string{pkgmodels.ModeLlamaIndex}},
			mode:  pkgmodels.ModeLlamaIndex,
			want:  pkgmodels.ModeLlamaIndex,
		},
		{
			name:  "chat preferred",
			model: &pkgmodels.Model{Modes: []string{pkgmodels.ModeLlamaIndex, pkgmodels.ModeChat}},
			mode:  pkgmodels.ModeAgentLlama,
			want:  pkgmodels.ModeChat,
		},
		{
			name:  "llama_index when no chat",
			model: &pkgmodels.Model{Modes: []string{pkgmodels.ModeCompletion, pkgmodels.ModeLlamaIndex}},
			mode:  pkgmodels.ModeAgentLlama,
			want:  pkgmodels.ModeLlamaIndex,
		},
		{
			name:  "nothing matches",
			model: &pkgmodels.Model{Modes: []string{pkgmodels.ModeImage}},
			mode:  pkgmodels.ModeAgentLlama,
			want:  pkgmodels.ModeChat,
		},
		{
			name: "nil model",
			mode: pkgmodels.ModeAgentLlama,
			want: pkgmodels.ModeAgentLlama,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FallbackMode(tt.model, tt.mode); got != tt.want {
				t.Errorf("FallbackMode() = %q, want %q", got, tt.want)
			}
		})
	}
}
