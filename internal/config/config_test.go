package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "pygpt.yaml", `
agent:
  auto_retrieve: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Default()
	want.Agent.AutoRetrieve = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Agent.CmdEnabled || !cfg.Agent.Store.LockModes || !cfg.Agent.Stream {
		t.Error("boolean defaults were lost")
	}
}

func TestLoadSections(t *testing.T) {
	path := writeConfig(t, "pygpt.yaml", `
version: 1
agent:
  cmd_enabled: false
  lock_modes: false
  max_requests_per_minute: 30
  context_threshold: 500
  provider: planner
  stream_output: false
  loop:
    mode: complete
    score: 90
    max_evaluations: 3
  providers:
    max_steps: 4
    assistant_id: asst_1
render:
  flush_interval: 50ms
  max_bytes: 1024
  emergency_bytes: 4096
  memory_limit: 1073741824
storage:
  driver: memory
models:
  - id: local-model
    provider: openai
    ctx: 8192
    modes: [chat, agent]
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"cmd_enabled", cfg.Agent.CmdEnabled, false},
		{"lock_modes", cfg.Agent.Store.LockModes, false},
		{"rpm", cfg.Agent.Throttle.MaxRequestsPerMinute, 30},
		{"threshold", cfg.Agent.ContextThreshold, 500},
		{"provider", cfg.Agent.Provider, "planner"},
		{"stream", cfg.Agent.Stream, false},
		{"loop mode", cfg.Agent.Loop.Mode, agent.EvalModeComplete},
		{"loop score", cfg.Agent.Loop.GoodScore, 90},
		{"max evaluations", cfg.Agent.Loop.MaxEvaluations, 3},
		{"max steps", cfg.Agent.Providers.MaxSteps, 4},
		{"assistant", cfg.Agent.Providers.AssistantID, "asst_1"},
		{"flush interval", cfg.Render.Interval, 50 * time.Millisecond},
		{"max bytes", cfg.Render.MaxBytes, 1024},
		{"emergency", cfg.Render.EmergencyBytes, 4096},
		{"memory limit", cfg.Render.MemoryLimit, uint64(1 << 30)},
		{"driver", cfg.Storage.Driver, DriverMemory},
		{"models", len(cfg.Models), 1},
		{"log level", cfg.Logging.Level, "debug"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "unknown field", body: "agent:\n  extra: true", wantErr: "extra"},
		{name: "loop mode", body: "agent:\n  loop:\n    mode: maybe", wantErr: "agent.loop.mode"},
		{name: "loop score", body: "agent:\n  loop:\n    score: 101", wantErr: "agent.loop.score"},
		{name: "driver", body: "storage:\n  driver: postgres", wantErr: "storage.driver"},
		{name: "render thresholds", body: "render:\n  max_bytes: 100\n  emergency_bytes: 10", wantErr: "render.emergency_bytes"},
		{name: "model without modes", body: "models:\n  - id: m", wantErr: "at least one mode"},
		{name: "duplicate model", body: "models:\n  - id: m\n    modes: [chat]\n  - id: m\n    modes: [chat]", wantErr: "duplicate id"},
		{name: "log level", body: "logging:\n  level: loud", wantErr: "logging.level"},
		{name: "newer version", body: "version: 99", wantErr: "newer than this build"},
		{name: "two documents", body: "version: 1\n---\nversion: 1", wantErr: "single document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "pygpt.yaml", tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.json5"), `{
  // shared settings
  agent: {provider: "planner", idx: "docs"},
  openai: {api_key: "${PYGPT_TEST_KEY}"},
}`)
	path := writeFile(t, filepath.Join(dir, "pygpt.yaml"), `
$include: base.json5
agent:
  idx: notes
storage:
  path: ${PYGPT_TEST_DB:-fallback.db}
`)
	t.Setenv("PYGPT_TEST_KEY", "sk-test")
	t.Setenv("PYGPT_TEST_DB", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Provider != "planner" {
		t.Errorf("Provider = %q, want the included value", cfg.Agent.Provider)
	}
	if cfg.Agent.Idx != "notes" {
		t.Errorf("Idx = %q, want the including file to win", cfg.Agent.Idx)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.OpenAI.APIKey)
	}
	if cfg.Storage.Path != "fallback.db" {
		t.Errorf("Path = %q, want the fallback", cfg.Storage.Path)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("Load(\"\") error = nil")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load(absent) error = nil")
	}
}

func TestLoggingConfig(t *testing.T) {
	got := LoggingConfig{Level: "warn", Format: "json", Redact: []string{"secret-\\d+"}}.LogConfig()
	want := observability.LogConfig{Level: "warn", Format: "json", RedactPatterns: []string{"secret-\\d+"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LogConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"agent", "render", "storage", "models", "logging"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Errorf("schema has no %q property", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), name), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
