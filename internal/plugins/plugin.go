// Package plugins is the command registry behind agent tools. Plugins
// register commands, each with a JSON schema for its params; the registry
// lists them as functions and executes batches of commands for a context
// item through a bounded worker pool.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Handler executes one command for item.
type Handler func(ctx context.Context, item *models.CtxItem, params map[string]any) (any, error)

// CommandDefinition describes a command a plugin provides.
type CommandDefinition struct {
	Name        string
	Description string
	// Params is the JSON schema of the command params, as a string.
	Params  string
	Handler Handler

	// Timeout and Retries override the executor defaults when set.
	Timeout time.Duration
	Retries *int
}

// Function is the model-facing view of a command.
type Function struct {
	Name   string `json:"name"`
	Desc   string `json:"desc"`
	Params string `json:"params"`
}

// PluginStatus indicates the current state of a plugin.
type PluginStatus string

const (
	PluginStatusLoaded   PluginStatus = "loaded"
	PluginStatusDisabled PluginStatus = "disabled"
	PluginStatusError    PluginStatus = "error"
)

// PluginRecord contains metadata about a registered plugin.
type PluginRecord struct {
	ID          string
	Name        string
	Description string
	Status      PluginStatus
	Error       string
	Enabled     bool
	Commands    []string
}

// PluginConfig configures plugin loading.
type PluginConfig struct {
	Enabled bool                         `yaml:"enabled"`
	Allow   []string                     `yaml:"allow"`
	Deny    []string                     `yaml:"deny"`
	Entries map[string]PluginEntryConfig `yaml:"entries"`
}

// PluginEntryConfig contains per-plugin configuration.
type PluginEntryConfig struct {
	Enabled *bool          `yaml:"enabled"`
	Config  map[string]any `yaml:"config"`
}

// PluginAPI is handed to a plugin during registration.
type PluginAPI struct {
	record   *PluginRecord
	registry *Registry

	// Config is the plugin's own configuration entry.
	Config map[string]any
}

// RegisterCommand adds a command provided by this plugin.
func (api *PluginAPI) RegisterCommand(def CommandDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("command %s has no handler", def.Name)
	}
	if def.Params != "" {
		if _, err := compileSchema(def.Name, def.Params); err != nil {
			return fmt.Errorf("command %s: invalid params schema: %w", def.Name, err)
		}
	}
	if _, exists := api.registry.commands[def.Name]; exists {
		return fmt.Errorf("command %s already registered", def.Name)
	}
	api.record.Commands = append(api.record.Commands, def.Name)
	api.registry.commands[def.Name] = &registeredCommand{def: def, pluginID: api.record.ID}
	return nil
}

// Logger returns the registry logger scoped to this plugin.
func (api *PluginAPI) Logger() *slog.Logger {
	return api.registry.logger.With("plugin", api.record.ID)
}

// RegisterFunc is the function signature for plugin registration.
type RegisterFunc func(api *PluginAPI) error

// PluginDefinition defines a plugin's metadata and registration.
type PluginDefinition struct {
	ID          string
	Name        string
	Description string
	Register    RegisterFunc
}

type registeredCommand struct {
	def      CommandDefinition
	pluginID string
}

// Registry manages plugins and the commands they provide.
type Registry struct {
	mu          sync.RWMutex
	plugins     []*PluginRecord
	definitions map[string]*PluginDefinition
	order       []string
	commands    map[string]*registeredCommand
	functions   []Function
	executor    *Executor
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. A nil executor gets the defaults.
func NewRegistry(executor *Executor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		definitions: make(map[string]*PluginDefinition),
		commands:    make(map[string]*registeredCommand),
		logger:      logger.With("component", "plugins"),
	}
	if executor == nil {
		executor = NewExecutor(nil, nil, nil)
	}
	executor.bind(r)
	r.executor = executor
	return r
}

// Register adds a plugin definition. Plugins take effect on Load.
func (r *Registry) Register(def *PluginDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def == nil || def.ID == "" {
		return fmt.Errorf("plugin ID is required")
	}
	if _, exists := r.definitions[def.ID]; exists {
		return fmt.Errorf("plugin %s already registered", def.ID)
	}
	r.definitions[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Load runs the registration of every enabled plugin, in registration
// order. A plugin whose registration fails is recorded with an error and
// skipped.
func (r *Registry) Load(ctx context.Context, config *PluginConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if config == nil {
		config = &PluginConfig{Enabled: true}
	}
	r.plugins = r.plugins[:0]
	r.commands = make(map[string]*registeredCommand)
	r.functions = nil

	for _, id := range r.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		def := r.definitions[id]
		record := &PluginRecord{ID: id, Name: def.Name, Description: def.Description}

		if enabled, reason := resolveEnabled(id, config); !enabled {
			record.Status = PluginStatusDisabled
			record.Error = reason
			r.plugins = append(r.plugins, record)
			continue
		}
		record.Enabled = true

		api := &PluginAPI{record: record, registry: r}
		if entry, ok := config.Entries[id]; ok {
			api.Config = entry.Config
		}
		if def.Register != nil {
			if err := def.Register(api); err != nil {
				for _, name := range record.Commands {
					delete(r.commands, name)
				}
				record.Commands = nil
				record.Status = PluginStatusError
				record.Error = err.Error()
				r.plugins = append(r.plugins, record)
				r.logger.Error("plugin registration failed", "id", id, "error", err)
				continue
			}
		}
		record.Status = PluginStatusLoaded
		r.plugins = append(r.plugins, record)
		r.logger.Debug("plugin loaded", "id", id, "commands", len(record.Commands))
	}
	return nil
}

func resolveEnabled(id string, config *PluginConfig) (bool, string) {
	if !config.Enabled {
		return false, "plugins disabled"
	}
	for _, denied := range config.Deny {
		if denied == id {
			return false, "blocked by denylist"
		}
	}
	if len(config.Allow) > 0 {
		found := false
		for _, allowed := range config.Allow {
			if allowed == id {
				found = true
				break
			}
		}
		if !found {
			return false, "not in allowlist"
		}
	}
	if entry, ok := config.Entries[id]; ok && entry.Enabled != nil && !*entry.Enabled {
		return false, "disabled in config"
	}
	return true, ""
}

// Plugins returns all plugin records.
func (r *Registry) Plugins() []*PluginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*PluginRecord, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Functions lists every loaded command as a function, sorted by name. The
// list is cached; force rebuilds it.
func (r *Registry) Functions(force bool) []Function {
	r.mu.RLock()
	if r.functions != nil && !force {
		out := append([]Function(nil), r.functions...)
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	functions := make([]Function, 0, len(r.commands))
	for name, cmd := range r.commands {
		functions = append(functions, Function{
			Name:   name,
			Desc:   cmd.def.Description,
			Params: cmd.def.Params,
		})
	}
	sort.Slice(functions, func(i, j int) bool { return functions[i].Name < functions[j].Name })
	r.functions = functions
	return append([]Function(nil), functions...)
}

// HasCommand reports whether name is a loaded command.
func (r *Registry) HasCommand(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commands[name]
	return ok
}

func (r *Registry) lookup(name string) (*registeredCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Execute validates params and runs one command directly, without the
// worker pool.
func (r *Registry) Execute(ctx context.Context, item *models.CtxItem, name string, params map[string]any) (any, error) {
	cmd, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	if err := validateParams(name, cmd.def.Params, params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return cmd.def.Handler(ctx, item, params)
}

// CommandResult is the outcome of one command in a batch.
type CommandResult struct {
	Cmd      string
	Value    any
	Err      error
	Duration time.Duration
	Attempts int
}

// ApplyCmdsAll executes cmds for item through the worker pool and appends
// one entry per command to item.Results. Results come back in cmds order;
// failures are reported per command.
func (r *Registry) ApplyCmdsAll(ctx context.Context, item *models.CtxItem, cmds []models.Command) []CommandResult {
	results := r.executor.ExecuteAll(ctx, item, cmds)
	if item != nil {
		for _, res := range results {
			entry := map[string]any{"cmd": res.Cmd}
			if res.Err != nil {
				entry["error"] = res.Err.Error()
			} else {
				entry["result"] = res.Value
			}
			item.Results = append(item.Results, entry)
		}
	}
	return results
}

// Executor returns the registry's worker pool.
func (r *Registry) Executor() *Executor {
	return r.executor
}
