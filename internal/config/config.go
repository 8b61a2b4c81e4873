// Package config loads the application configuration.
//
// Every section embeds the configuration type of the component it
// configures, so a loaded Config can be handed to constructors as is.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent/providers"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/conversations"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/plugins"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/ratelimit"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/render"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the main configuration structure.
type Config struct {
	// Version is the config file format version. 0 means unversioned.
	Version int `yaml:"version"`

	Agent     AgentConfig               `yaml:"agent"`
	Render    render.Config             `yaml:"render"`
	Storage   StorageConfig             `yaml:"storage"`
	Plugins   PluginsConfig             `yaml:"plugins"`
	Models    []*models.Model           `yaml:"models"`
	OpenAI    llm.OpenAIConfig          `yaml:"openai"`
	Anthropic llm.AnthropicConfig       `yaml:"anthropic"`
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// AgentConfig configures the agent runner and the providers it dispatches
// to.
type AgentConfig struct {
	agent.Config `yaml:",inline"`

	// Store holds lock_modes and meta_limit.
	Store conversations.Config `yaml:",inline"`

	// Throttle holds max_requests_per_minute.
	Throttle ratelimit.Config `yaml:",inline"`

	// Stream delivers output while it is generated.
	// Default: true
	Stream bool `yaml:"stream_output"`

	// Verbose logs every step output.
	Verbose bool `yaml:"verbose"`

	Providers providers.Config `yaml:"providers"`
}

// StorageConfig selects where conversations are persisted.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	conversations.SQLiteConfig `yaml:",inline"`
}

// PluginsConfig configures plugin loading and command execution.
type PluginsConfig struct {
	plugins.PluginConfig `yaml:",inline"`

	Executor plugins.ExecutorConfig    `yaml:"executor"`
	Code     tools.CodeInterpreterConfig `yaml:"code"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: "127.0.0.1:8765"
	Addr string `yaml:"addr"`

	// WSPath is the websocket path of the display surface.
	// Default: "/ws"
	WSPath string `yaml:"ws_path"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "text"
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`

	// Redact lists extra regex patterns removed from log output.
	Redact []string `yaml:"redact"`
}

// LogConfig converts the section to the logger configuration.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Level,
		Format:         c.Format,
		AddSource:      c.AddSource,
		RedactPatterns: c.Redact,
	}
}

// MetricsConfig configures the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	// Enabled exposes metrics.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path of the endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Agent: AgentConfig{
			Config:    agent.DefaultConfig(),
			Store:     conversations.DefaultConfig(),
			Throttle:  ratelimit.DefaultConfig(),
			Providers: providers.Config{MaxSteps: providers.DefaultMaxSteps},
			Stream:    true,
		},
		Render: render.DefaultConfig(),
		Storage: StorageConfig{
			Driver:       DriverSQLite,
			SQLiteConfig: conversations.DefaultSQLiteConfig(),
		},
		Plugins: PluginsConfig{
			PluginConfig: plugins.PluginConfig{Enabled: true},
			Executor:     *plugins.DefaultExecutorConfig(),
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			WSPath:          "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: observability.TraceConfig{ServiceName: "pygpt", SamplingRate: 1.0},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// applyDefaults fills zero values left by the file.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = def.Agent.Provider
	}
	if cfg.Agent.ContextThreshold <= 0 {
		cfg.Agent.ContextThreshold = def.Agent.ContextThreshold
	}
	if cfg.Agent.Providers.MaxSteps <= 0 {
		cfg.Agent.Providers.MaxSteps = def.Agent.Providers.MaxSteps
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Storage.BusyTimeout <= 0 {
		cfg.Storage.BusyTimeout = def.Storage.BusyTimeout
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = def.Server.WSPath
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Tracing.SamplingRate <= 0 {
		cfg.Tracing.SamplingRate = def.Tracing.SamplingRate
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
}

// Validate reports every invalid setting of cfg in one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch c.Agent.Loop.Mode {
	case "", agent.EvalModeScore, agent.EvalModeComplete:
	default:
		add("agent.loop.mode must be %q or %q, got %q", agent.EvalModeScore, agent.EvalModeComplete, c.Agent.Loop.Mode)
	}
	if c.Agent.Loop.GoodScore < 0 || c.Agent.Loop.GoodScore > 100 {
		add("agent.loop.score must be between 0 and 100, got %d", c.Agent.Loop.GoodScore)
	}
	if c.Agent.Loop.MaxEvaluations < 0 {
		add("agent.loop.max_evaluations must not be negative")
	}
	if c.Agent.Throttle.MaxRequestsPerMinute < 0 {
		add("agent.max_requests_per_minute must not be negative")
	}
	if c.Agent.Store.MetaLimit < 0 {
		add("agent.meta_limit must not be negative")
	}

	if c.Render.Interval < 0 || c.Render.MaxBytes < 0 || c.Render.EmergencyBytes < 0 {
		add("render thresholds must not be negative")
	}
	if c.Render.EmergencyBytes > 0 && c.Render.MaxBytes > c.Render.EmergencyBytes {
		add("render.emergency_bytes (%d) must not be below render.max_bytes (%d)", c.Render.EmergencyBytes, c.Render.MaxBytes)
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		add("storage.driver must be %q or %q, got %q", DriverSQLite, DriverMemory, c.Storage.Driver)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m == nil || strings.TrimSpace(m.ID) == "" {
			add("models[%d]: id is required", i)
			continue
		}
		if seen[m.ID] {
			add("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if len(m.Modes) == 0 {
			add("models[%d] (%s): at least one mode is required", i, m.ID)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") || !strings.HasPrefix(c.Metrics.Path, "/") {
		add("server.ws_path and metrics.path must start with /")
	}

	return errors.Join(errs...)
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
