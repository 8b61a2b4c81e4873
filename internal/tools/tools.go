// Package tools assembles the function surface offered to an agent for one
// invocation and executes the tool calls routed back through it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/plugins"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// QueryEngineTool is the name of the retrieval tool.
const QueryEngineTool = "query_engine"

// ErrNoIndex is returned when the retrieval tool runs without an index.
var ErrNoIndex = errors.New("no index configured")

// Retriever answers a query from a named index.
type Retriever interface {
	Query(ctx context.Context, idx, query string) (string, error)
}

// CommandRegistry is the plugin command surface the tools are built from.
type CommandRegistry interface {
	Functions(force bool) []plugins.Function
	ApplyCmdsAll(ctx context.Context, item *models.CtxItem, cmds []models.Command) []plugins.CommandResult
}

// FunctionTool is a plain function description for prompt-driven agents.
type FunctionTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SDKTool is a function tool with a strict schema and an invoker, for
// SDK-style agents that call tools on their own.
type SDKTool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Invoke      func(ctx context.Context, args string) (string, error)
}

// Callable runs a tool from decoded arguments.
type Callable func(ctx context.Context, params map[string]any) (string, error)

// Toolset is the tool surface of one agent invocation, in the four shapes
// the agent providers consume.
type Toolset struct {
	Functions []FunctionTool
	SDK       []SDKTool
	Callables map[string]Callable
	Specs     []string
}

// Len returns the number of tools.
func (s *Toolset) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Functions)
}

// Names lists the tool names in order.
func (s *Toolset) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Functions))
	for i, fn := range s.Functions {
		names[i] = fn.Name
	}
	return names
}

// Empty returns a toolset with no tools.
func Empty() *Toolset {
	return &Toolset{Callables: map[string]Callable{}}
}

// Tools builds toolsets and executes tool calls.
type Tools struct {
	registry  CommandRegistry
	retriever Retriever
	logger    *slog.Logger

	mu   sync.Mutex
	last *ToolOutput
}

// New creates a tool layer over registry. retriever may be nil.
func New(registry CommandRegistry, retriever Retriever, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{
		registry:  registry,
		retriever: retriever,
		logger:    logger.With("component", "tools"),
	}
}

// Prepare builds the toolset for one invocation on item. The retrieval tool
// is appended when idx selects an index. A function whose schema cannot be
// decoded is logged and skipped.
func (t *Tools) Prepare(item *models.CtxItem, idx string) *Toolset {
	set := Empty()

	var functions []plugins.Function
	if t.registry != nil {
		functions = t.registry.Functions(false)
	}
	for _, fn := range functions {
		params, err := decodeParams(fn.Params)
		if err != nil {
			t.logger.Error("skipping function tool", "name", fn.Name, "error", err)
			continue
		}
		t.add(set, item, idx, fn.Name, fn.Desc, params)
	}

	if index.IsSet(idx) && t.retriever != nil {
		t.add(set, item, idx, QueryEngineTool, queryEngineDescription(idx), queryEngineParams())
	}
	return set
}

func (t *Tools) add(set *Toolset, item *models.CtxItem, idx, name, desc string, params map[string]any) {
	callable := func(ctx context.Context, args map[string]any) (string, error) {
		return t.Exec(ctx, item, idx, name, args)
	}

	set.Functions = append(set.Functions, FunctionTool{Name: name, Description: desc, Parameters: params})
	set.SDK = append(set.SDK, SDKTool{
		Name:        name,
		Description: desc,
		Parameters:  SanitizeSchema(params),
		Invoke: func(ctx context.Context, args string) (string, error) {
			decoded := map[string]any{}
			if strings.TrimSpace(args) != "" {
				if err := json.Unmarshal([]byte(args), &decoded); err != nil {
					return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
				}
			}
			return callable(ctx, decoded)
		},
	})
	set.Callables[name] = callable
	set.Specs = append(set.Specs, specString(name, desc, params))
}

// Exec runs the named tool for item. The retrieval tool queries idx; every
// other name is executed as a plugin command. The result is returned as
// text for the model.
func (t *Tools) Exec(ctx context.Context, item *models.CtxItem, idx, name string, params map[string]any) (string, error) {
	if name == QueryEngineTool {
		query, _ := params["query"].(string)
		out, err := t.queryIndex(ctx, idx, query)
		if errors.Is(err, ErrNoIndex) {
			return "Query engine unavailable: no index is configured for this agent.", nil
		}
		if err != nil {
			return "", err
		}
		if out == "" {
			return "No matching context found in index " + idx + ".", nil
		}
		return out, nil
	}

	if t.registry == nil {
		return "", fmt.Errorf("%w: %s", plugins.ErrCommandNotFound, name)
	}
	results := t.registry.ApplyCmdsAll(ctx, item, []models.Command{{Cmd: name, Params: params}})
	if len(results) == 0 {
		return "", fmt.Errorf("%w: %s", plugins.ErrCommandNotFound, name)
	}
	res := results[0]
	if res.Err != nil {
		return "", res.Err
	}
	t.capture(name, res.Value)
	return formatResult(res.Value), nil
}

func (t *Tools) queryIndex(ctx context.Context, idx, query string) (string, error) {
	if !index.IsSet(idx) || t.retriever == nil {
		return "", ErrNoIndex
	}
	out, err := t.retriever.Query(ctx, idx, query)
	if errors.Is(err, index.ErrUnknownIndex) {
		return "", nil
	}
	return out, err
}

// QueryIndex runs a retrieval query outside of a tool call, for
// auto-retrieval before the agent starts.
func (t *Tools) QueryIndex(ctx context.Context, idx, query string) (string, error) {
	return t.queryIndex(ctx, idx, query)
}

func formatResult(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func decodeParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	params := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("decode params schema: %w", err)
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	return params, nil
}

// specString renders a tool for prompt injection, e.g.
// `search(query: string, limit?: integer) - Search the web`.
func specString(name, desc string, params map[string]any) string {
	props, _ := params["properties"].(map[string]any)
	required := map[string]bool{}
	switch list := params["required"].(type) {
	case []any:
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range list {
			required[s] = true
		}
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		typ := "any"
		if prop, ok := props[k].(map[string]any); ok {
			if s, ok := prop["type"].(string); ok {
				typ = s
			}
		}
		opt := "?"
		if required[k] {
			opt = ""
		}
		args = append(args, k+opt+": "+typ)
	}

	spec := name + "(" + strings.Join(args, ", ") + ")"
	if desc != "" {
		spec += " - " + desc
	}
	return spec
}

func queryEngineDescription(idx string) string {
	return "Query the " + idx + " index for additional context. Pass a natural language question."
}

func queryEngineParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The question to look up in the index",
			},
		},
		"required": []any{"query"},
	}
}
