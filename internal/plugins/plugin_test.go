package plugins

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`

func echoPlugin(id string, commands ...string) *PluginDefinition {
	return &PluginDefinition{
		ID:   id,
		Name: id,
		Register: func(api *PluginAPI) error {
			for _, name := range commands {
				name := name
				err := api.RegisterCommand(CommandDefinition{
					Name:        name,
					Description: "echo " + name,
					Params:      echoSchema,
					Handler: func(ctx context.Context, item *models.CtxItem, params map[string]any) (any, error) {
						return name + ":" + params["text"].(string), nil
					},
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newLoadedRegistry(t *testing.T, cfg *PluginConfig, defs ...*PluginDefinition) *Registry {
	t.Helper()
	r := NewRegistry(nil, observability.Discard())
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			t.Fatalf("Register(%s) error = %v", def.ID, err)
		}
	}
	if err := r.Load(context.Background(), cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil, observability.Discard())
	if err := r.Register(&PluginDefinition{}); err == nil {
		t.Fatal("expected error for empty ID")
	}
	if err := r.Register(echoPlugin("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(echoPlugin("a")); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistry_LoadEnableState(t *testing.T) {
	off := false
	tests := []struct {
		name       string
		cfg        *PluginConfig
		wantStatus map[string]PluginStatus
	}{
		{
			name:       "nil config loads all",
			cfg:        nil,
			wantStatus: map[string]PluginStatus{"a": PluginStatusLoaded, "b": PluginStatusLoaded},
		},
		{
			name:       "disabled",
			cfg:        &PluginConfig{Enabled: false},
			wantStatus: map[string]PluginStatus{"a": PluginStatusDisabled, "b": PluginStatusDisabled},
		},
		{
			name:       "denylist",
			cfg:        &PluginConfig{Enabled: true, Deny: []string{"b"}},
			wantStatus: map[string]PluginStatus{"a": PluginStatusLoaded, "b": PluginStatusDisabled},
		},
		{
			name:       "allowlist",
			cfg:        &PluginConfig{Enabled: true, Allow: []string{"b"}},
			wantStatus: map[string]PluginStatus{"a": PluginStatusDisabled, "b": PluginStatusLoaded},
		},
		{
			name:       "entry disabled",
			cfg:        &PluginConfig{Enabled: true, Entries: map[string]PluginEntryConfig{"a": {Enabled: &off}}},
			wantStatus: map[string]PluginStatus{"a": PluginStatusDisabled, "b": PluginStatusLoaded},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLoadedRegistry(t, tt.cfg, echoPlugin("a", "cmd_a"), echoPlugin("b", "cmd_b"))
			for _, rec := range r.Plugins() {
				if rec.Status != tt.wantStatus[rec.ID] {
					t.Errorf("plugin %s status = %s, want %s", rec.ID, rec.Status, tt.wantStatus[rec.ID])
				}
			}
			if got := r.HasCommand("cmd_a"); got != (tt.wantStatus["a"] == PluginStatusLoaded) {
				t.Errorf("HasCommand(cmd_a) = %v", got)
			}
		})
	}
}

func TestRegistry_LoadRegisterError(t *testing.T) {
	failing := &PluginDefinition{
		ID: "bad",
		Register: func(api *PluginAPI) error {
			_ = api.RegisterCommand(CommandDefinition{
				Name:    "half",
				Handler: func(context.Context, *models.CtxItem, map[string]any) (any, error) { return nil, nil },
			})
			return errors.New("boom")
		},
	}
	r := newLoadedRegistry(t, nil, failing, echoPlugin("ok", "fine"))

	if r.HasCommand("half") {
		t.Fatal("commands of a failed plugin should be dropped")
	}
	if !r.HasCommand("fine") {
		t.Fatal("other plugins should still load")
	}
	rec := r.Plugins()[0]
	if rec.Status != PluginStatusError || rec.Error != "boom" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRegistry_RegisterCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		def  CommandDefinition
	}{
		{name: "no name", def: CommandDefinition{Handler: func(context.Context, *models.CtxItem, map[string]any) (any, error) { return nil, nil }}},
		{name: "no handler", def: CommandDefinition{Name: "x"}},
		{name: "bad schema", def: CommandDefinition{
			Name:    "x",
			Params:  `{not json`,
			Handler: func(context.Context, *models.CtxItem, map[string]any) (any, error) { return nil, nil },
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			r := newLoadedRegistry(t, nil, &PluginDefinition{
				ID:       "p",
				Register: func(api *PluginAPI) error { return api.RegisterCommand(def) },
			})
			if r.Plugins()[0].Status != PluginStatusError {
				t.Fatalf("expected registration error")
			}
		})
	}
}

func TestRegistry_Functions(t *testing.T) {
	r := newLoadedRegistry(t, nil, echoPlugin("a", "zeta", "alpha"), echoPlugin("b", "mid"))

	fns := r.Functions(false)
	var names []string
	for _, fn := range fns {
		names = append(names, fn.Name)
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Fatalf("Functions() names = %v", names)
	}
	if fns[0].Desc != "echo alpha" || fns[0].Params != echoSchema {
		t.Fatalf("unexpected function %+v", fns[0])
	}

	fns[0].Name = "mutated"
	if r.Functions(false)[0].Name != "alpha" {
		t.Fatal("Functions() must return a copy")
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := newLoadedRegistry(t, nil, echoPlugin("a", "say"))

	got, err := r.Execute(context.Background(), nil, "say", map[string]any{"text": "hi"})
	if err != nil || got != "say:hi" {
		t.Fatalf("Execute() = %v, %v", got, err)
	}

	_, err = r.Execute(context.Background(), nil, "say", map[string]any{"text": 5})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}

	_, err = r.Execute(context.Background(), nil, "missing", nil)
	if !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestRegistry_ApplyCmdsAll(t *testing.T) {
	r := newLoadedRegistry(t, nil, echoPlugin("a", "one", "two"))
	item := models.NewCtxItem()

	results := r.ApplyCmdsAll(context.Background(), item, []models.Command{
		{Cmd: "one", Params: map[string]any{"text": "x"}},
		{Cmd: "nope"},
		{Cmd: "two", Params: map[string]any{"text": "y"}},
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Value != "one:x" || results[2].Value != "two:y" {
		t.Fatalf("results out of order: %+v", results)
	}
	if !errors.Is(results[1].Err, ErrCommandNotFound) {
		t.Fatalf("expected not found for second command, got %v", results[1].Err)
	}
	if len(item.Results) != 3 || item.Results[1]["error"] == nil || item.Results[0]["result"] != "one:x" {
		t.Fatalf("item results = %+v", item.Results)
	}
}
