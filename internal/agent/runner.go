package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tokens"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// additionalContextLabel prefixes retrieved context added to the prompt.
const additionalContextLabel = "ADDITIONAL CONTEXT:"

// Config configures the runner.
type Config struct {
	// CmdEnabled exposes plugin commands to agents as tools. When false
	// every tool list is empty.
	// Default: true
	CmdEnabled bool `yaml:"cmd_enabled"`

	// AutoRetrieve queries the index before the run and adds the result to
	// the prompt.
	AutoRetrieve bool `yaml:"auto_retrieve"`

	// Idx is the default retrieval index. "_" disables retrieval.
	// Default: "_"
	Idx string `yaml:"idx"`

	// Workdir is the working directory handed to agents.
	Workdir string `yaml:"workdir"`

	// UsePartials splits workflow output into one item per step.
	UsePartials bool `yaml:"use_partials"`

	// ContextThreshold is the number of tokens reserved for the answer when
	// the history window is computed.
	// Default: 200
	ContextThreshold int `yaml:"context_threshold"`

	// Provider is the agent provider used when a call names none.
	// Default: "react"
	Provider string `yaml:"provider"`

	Loop LoopConfig `yaml:"loop"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		CmdEnabled:       true,
		Idx:              index.None,
		ContextThreshold: 200,
		Provider:         "react",
		Loop:             DefaultLoopConfig(),
	}
}

func (c *Config) sanitize() {
	if c.Idx == "" {
		c.Idx = index.None
	}
	if c.ContextThreshold <= 0 {
		c.ContextThreshold = 200
	}
	if c.Provider == "" {
		c.Provider = "react"
	}
	c.Loop.sanitize()
}

// CallOptions carries everything a single agent call needs.
type CallOptions struct {
	// Item is the input item of the turn. It is marked as the agent input.
	Item *models.CtxItem

	// History is the candidate history. Nil uses the active conversation of
	// the store.
	History []*models.CtxItem

	Mode         string
	Model        *models.Model
	Prompt       string
	SystemPrompt string

	// ProviderID selects the agent provider. Empty uses the configured one.
	ProviderID string

	// Idx overrides the configured retrieval index.
	Idx string

	Verbose bool
	Stream  bool

	// Loop evaluates the finished turn and continues it when needed.
	Loop bool

	// PreviousResponseID chains stateful vendor APIs.
	PreviousResponseID string

	// Goal is the task the evaluator judges. Continuation rounds keep the
	// original prompt here.
	Goal string

	// Evaluations counts the evaluation rounds already done for this turn.
	Evaluations int
}

func (o *CallOptions) goal() string {
	if o.Goal != "" {
		return o.Goal
	}
	return o.Prompt
}

// OnceResult is the outcome of a quick sub-call.
type OnceResult struct {
	Item        *models.CtxItem
	ToolOutputs []ToolOutput
}

// HistoryStore is the conversation store surface used by the runner.
type HistoryStore interface {
	ItemStore
	Items() []*models.CtxItem
	GetHistory(items []*models.CtxItem, model, mode string, usedTokens, maxTokens int, ignoreFirst bool) []*models.CtxItem
}

// LLMResolver returns the LLM handle serving a model.
type LLMResolver interface {
	ForModel(model *models.Model) (llm.Provider, error)
}

// ToolSource prepares toolsets and answers retrieval queries.
type ToolSource interface {
	OutputAppender
	Prepare(item *models.CtxItem, idx string) *tools.Toolset
	QueryIndex(ctx context.Context, idx, query string) (string, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore sets the conversation store used for history and persistence.
func WithStore(s HistoryStore) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithTools sets the tool source.
func WithTools(t ToolSource) RunnerOption {
	return func(r *Runner) { r.tools = t }
}

// WithModels sets the model lookup used for the evaluator override model.
func WithModels(m ModelLookup) RunnerOption {
	return func(r *Runner) { r.models = m }
}

// WithStopFlag shares a stop flag with the host.
func WithStopFlag(f *StopFlag) RunnerOption {
	return func(r *Runner) { r.stop = f }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner prepares agent calls and dispatches them to the strategy matching
// the execution built by the provider.
//
// At most one run per conversation is expected at a time.
type Runner struct {
	config    Config
	providers *ProviderRegistry
	llms      LLMResolver
	store     HistoryStore
	tools     ToolSource
	models    ModelLookup
	stop      *StopFlag
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	steps     *Steps
	plan      *Plan
	assistant *Assistant
	workflow  *Workflow
	openai    *OpenAIWorkflow
	loop      *Loop

	mu      sync.Mutex
	lastErr error
}

// NewRunner creates a runner over the agent providers and LLM handles.
func NewRunner(providers *ProviderRegistry, llms LLMResolver, config Config, opts ...RunnerOption) *Runner {
	config.sanitize()
	r := &Runner{
		config:    config,
		providers: providers,
		llms:      llms,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.providers == nil {
		r.providers = NewProviderRegistry()
	}
	if r.stop == nil {
		r.stop = &StopFlag{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "agent.runner")

	base := strategy{stop: r.stop, tracer: r.tracer, logger: r.logger}
	if r.tools != nil {
		base.outputs = r.tools
	}
	if r.store != nil {
		base.store = r.store
	}
	r.steps = &Steps{strategy: base}
	r.plan = &Plan{strategy: base}
	r.assistant = &Assistant{strategy: base}
	r.workflow = &Workflow{strategy: base}
	r.openai = &OpenAIWorkflow{strategy: base}
	r.loop = NewLoop(config.Loop, r, r, r.models, r.metrics, r.logger)
	r.loop.store = base.store
	r.loop.tracer = r.tracer
	return r
}

// StopFlag returns the flag polled by every strategy.
func (r *Runner) StopFlag() *StopFlag {
	return r.stop
}

// Stop requests a cooperative stop of the running call.
func (r *Runner) Stop() {
	r.stop.Stop()
}

// Reset clears a previous stop request before a new turn.
func (r *Runner) Reset() {
	r.stop.Reset()
}

// LastError returns the error of the most recent failed call.
func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Call runs one agent turn and, with opts.Loop, its evaluation rounds. It
// returns false with a nil error when the run was stopped, and false with
// the error when it failed; the error is also kept for LastError. A panic
// in a strategy or agent fails the call like any other error.
func (r *Runner) Call(ctx context.Context, opts *CallOptions, signals *EventEmitter) (ok bool, err error) {
	looping := opts != nil && opts.Loop
	mode := ""
	if opts != nil {
		mode = opts.Mode
	}
	ctx, span := r.tracer.TraceAgentCall(ctx, mode, looping)
	defer span.End()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("agent call panicked", "panic", v, "stack", string(debug.Stack()))
			err = runError(PhaseRun, mode, r.providerID(opts), fmt.Errorf("%w: %v", ErrPanic, v))
			r.tracer.RecordError(span, err)
			r.fail(ctx, opts, signals, err)
			ok = false
		}
	}()

	ok, final, err := r.call(ctx, opts, signals, looping)
	if err != nil {
		r.fail(ctx, opts, signals, err)
		return false, err
	}
	if !ok || !looping || final == nil {
		return ok, nil
	}
	ok, err = r.loop.Iterate(ctx, opts, final, signals)
	if err != nil {
		r.setLastError(err)
	}
	return ok, err
}

// CallOnce runs a quick sub-call without signals and returns the final
// item, or nil when stopped. Only step, plan and workflow executions are
// supported.
func (r *Runner) CallOnce(ctx context.Context, opts *CallOptions) (*models.CtxItem, error) {
	res, err := r.CallOnceResult(ctx, opts)
	if err != nil || res == nil {
		return nil, err
	}
	return res.Item, nil
}

// CallOnceResult is CallOnce that also returns the tool outputs reported by
// the agent.
func (r *Runner) CallOnceResult(ctx context.Context, opts *CallOptions) (*OnceResult, error) {
	if r.stop.Stopped() {
		return nil, nil
	}
	providerID, exec, in, err := r.build(ctx, opts, nil)
	if err != nil {
		r.fail(ctx, opts, nil, err)
		return nil, err
	}
	in.Detached = true

	var res *OnceResult
	switch e := exec.(type) {
	case StepExecution:
		item, outputs, err := r.steps.run(ctx, e.Agent, in, nil)
		if err == nil && item != nil {
			res = &OnceResult{Item: item, ToolOutputs: outputs}
		}
		if err != nil {
			return nil, r.failOnce(ctx, opts, providerID, err)
		}
	case PlanExecution:
		item, err := r.plan.RunOnce(ctx, e.Agent, in)
		if err != nil {
			return nil, r.failOnce(ctx, opts, providerID, err)
		}
		if item != nil {
			res = &OnceResult{Item: item}
		}
	case WorkflowExecution:
		item, err := r.workflow.RunOnce(ctx, e.Agent, in)
		if err != nil {
			return nil, r.failOnce(ctx, opts, providerID, err)
		}
		if item != nil {
			res = &OnceResult{Item: item}
		}
	default:
		err := runError(PhaseRun, opts.Mode, providerID, fmt.Errorf("%w: %s", ErrUnsupportedMode, exec.Mode()))
		r.fail(ctx, opts, nil, err)
		return nil, err
	}
	return res, nil
}

func (r *Runner) failOnce(ctx context.Context, opts *CallOptions, providerID string, err error) error {
	err = runError(PhaseRun, opts.Mode, providerID, err)
	r.fail(ctx, opts, nil, err)
	return err
}

// call runs steps one to seven of a turn and returns the finishing item.
func (r *Runner) call(ctx context.Context, opts *CallOptions, signals *EventEmitter, looping bool) (bool, *models.CtxItem, error) {
	if r.stop.Stopped() {
		return false, nil, nil
	}

	start := time.Now()
	status := "error"
	providerID := r.providerID(opts)
	mode := ""
	if opts != nil {
		mode = opts.Mode
	}
	defer func() {
		r.metrics.RecordAgentRun(mode, providerID, status, time.Since(start).Seconds())
	}()

	if runID := signals.RunID(); runID != "" {
		ctx = observability.AddRunID(ctx, runID)
	}
	ctx, span := r.tracer.TraceAgentRun(ctx, mode, providerID)
	defer span.End()

	_, exec, in, err := r.build(ctx, opts, signals)
	if err != nil {
		r.tracer.RecordError(span, err)
		return false, nil, err
	}
	in.DeferIdle = looping
	r.tracer.SetAttributes(span, "agent.execution", exec.Mode())

	signals.RunStarted(ctx)
	signals.SetBusy(ctx, "")

	ok, err := r.dispatch(ctx, exec, in)
	if err != nil {
		err = runError(PhaseRun, mode, providerID, err)
		r.tracer.RecordError(span, err)
		return false, nil, err
	}
	if !ok {
		status = "stopped"
		signals.SetIdle(ctx)
		signals.RunFinished(ctx, nil)
		return false, nil, nil
	}
	status = "ok"
	signals.RunFinished(ctx, nil)
	return true, in.Final, nil
}

// build resolves the provider, prepares the run input and builds the
// execution.
func (r *Runner) build(ctx context.Context, opts *CallOptions, signals *EventEmitter) (string, Execution, *RunInput, error) {
	providerID := r.providerID(opts)
	if opts == nil || opts.Item == nil {
		return providerID, nil, nil, runError(PhasePrepare, "", providerID, errors.New("input item is required"))
	}
	mode := opts.Mode

	provider, err := r.providers.Get(providerID)
	if err != nil {
		return providerID, nil, nil, runError(PhasePrepare, mode, providerID, err)
	}

	item := opts.Item
	item.SetExtra(models.ExtraAgentInput, true)
	item.AgentCall = true

	model := opts.Model
	if model == nil {
		return providerID, nil, nil, runError(PhasePrepare, mode, providerID, errors.New("model is required"))
	}
	handle, err := r.llms.ForModel(model)
	if err != nil {
		return providerID, nil, nil, runError(PhasePrepare, mode, providerID, fmt.Errorf("%w: %v", ErrNoLLM, err))
	}

	prompt := opts.Prompt
	if prompt == "" {
		prompt = item.Input
	}
	idx := opts.Idx
	if idx == "" {
		idx = r.config.Idx
	}

	toolset := tools.Empty()
	if r.config.CmdEnabled && r.tools != nil {
		if set := r.tools.Prepare(item, idx); set != nil {
			toolset = set
		}
	}

	if r.config.AutoRetrieve && index.IsSet(idx) && r.tools != nil {
		prompt, err = r.retrieve(ctx, item, idx, prompt)
		if err != nil {
			return providerID, nil, nil, runError(PhaseRetrieval, mode, providerID, err)
		}
	}

	history := r.history(opts, model, prompt)
	systemPrompt := opts.SystemPrompt
	if a, ok := provider.(SystemPromptAppender); ok && a.AppendSystemPromptToMessage() && systemPrompt != "" {
		history = append([]llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}, history...)
		systemPrompt = ""
	}

	build := &BuildOptions{
		Item:         item,
		Model:        model,
		LLM:          handle,
		Tools:        toolset,
		SystemPrompt: systemPrompt,
		History:      history,
		Workdir:      r.config.Workdir,
		Idx:          idx,
		Verbose:      opts.Verbose,
	}
	exec, err := provider.Build(ctx, build)
	if err != nil {
		return providerID, nil, nil, runError(PhaseBuild, mode, providerID, err)
	}
	if exec == nil {
		return providerID, nil, nil, runError(PhaseBuild, mode, providerID, errors.New("provider returned no execution"))
	}

	r.logger.Debug("agent call prepared",
		"provider", providerID,
		"execution", exec.Mode(),
		"tools", toolset.Len(),
		"history", len(history),
	)

	in := &RunInput{
		Item:               item,
		Prompt:             prompt,
		Signals:            signals,
		Verbose:            opts.Verbose,
		Stream:             opts.Stream,
		History:            history,
		UsePartials:        r.config.UsePartials,
		PreviousResponseID: opts.PreviousResponseID,
	}
	return providerID, exec, in, nil
}

// dispatch runs the strategy matching exec.
func (r *Runner) dispatch(ctx context.Context, exec Execution, in *RunInput) (bool, error) {
	switch e := exec.(type) {
	case StepExecution:
		return r.steps.Run(ctx, e.Agent, in)
	case PlanExecution:
		return r.plan.Run(ctx, e.Agent, in)
	case AssistantExecution:
		return r.assistant.Run(ctx, e, in)
	case WorkflowExecution:
		return r.workflow.Run(ctx, e.Agent, in)
	case OpenAIWorkflowExecution:
		return r.openai.Run(ctx, e.Agent, in)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedMode, exec.Mode())
	}
}

// retrieve adds the index answer for prompt to the prompt and, once per
// turn, to the hidden input of item.
func (r *Runner) retrieve(ctx context.Context, item *models.CtxItem, idx, prompt string) (string, error) {
	result, err := r.tools.QueryIndex(ctx, idx, prompt)
	if err != nil {
		return prompt, err
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return prompt, nil
	}
	block := additionalContextLabel + " " + result
	if !strings.Contains(item.HiddenInput, block) {
		item.AppendHiddenInput(block)
	}
	return block + "\n\n" + prompt, nil
}

// history returns the token-budgeted window as chat messages.
func (r *Runner) history(opts *CallOptions, model *models.Model, prompt string) []llm.Message {
	items := opts.History
	if items == nil && r.store != nil {
		items = r.store.Items()
	}
	if len(items) == 0 {
		return nil
	}

	ignoreFirst := items[len(items)-1] == opts.Item
	var window []*models.CtxItem
	if r.store != nil {
		used := tokens.FromPrompt(opts.SystemPrompt, prompt)
		window = r.store.GetHistory(items, model.ID, opts.Mode, used, tokens.Budget(model, 0, r.config.ContextThreshold), ignoreFirst)
	} else {
		window = items
		if ignoreFirst {
			window = items[:len(items)-1]
		}
	}
	return toMessages(window)
}

func (r *Runner) providerID(opts *CallOptions) string {
	if opts != nil && opts.ProviderID != "" {
		return opts.ProviderID
	}
	return r.config.Provider
}

// fail logs err, keeps it for LastError and reports it to signals.
func (r *Runner) fail(ctx context.Context, opts *CallOptions, signals *EventEmitter, err error) {
	r.setLastError(err)

	phase := "unknown"
	var runErr *RunError
	if errors.As(err, &runErr) {
		phase = string(runErr.Phase)
	}
	r.metrics.RecordError("agent", phase)
	r.logger.Error("agent call failed", "phase", phase, "error", err)

	if opts != nil && opts.Item != nil {
		opts.Item.SetExtra(models.ExtraError, err.Error())
		signals.RunError(ctx, opts.Item, err)
	}
	signals.SetIdle(ctx)
}

// toMessages converts items to alternating user and assistant messages.
func toMessages(items []*models.CtxItem) []llm.Message {
	msgs := make([]llm.Message, 0, len(items)*2)
	for _, item := range items {
		if item == nil {
			continue
		}
		if in := item.FinalInput(); in != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in})
		}
		if out := item.FinalOutput(); out != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: out})
		}
	}
	return msgs
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}
