package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent/providers"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/bridge"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/config"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/conversations"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/llm"
	modelcatalog "github.com/szczyglis-dev/py-gpt-sub005/internal/models"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/plugins"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/ratelimit"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tokens"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/tools"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown func(context.Context) error

	catalog   *modelcatalog.Catalog
	llms      *llm.Registry
	db        *sql.DB
	store     *conversations.Store
	index     *index.Store
	plugins   *plugins.Registry
	tools     *tools.Tools
	providers *agent.ProviderRegistry
	bridge    *bridge.Bridge
	stop      *agent.StopFlag

	mu     sync.RWMutex
	runner *agent.Runner
}

// newApp wires every component from cfg. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		catalog:  modelcatalog.NewCatalog(),
		stop:     &agent.StopFlag{},
	}
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer, a.shutdown = observability.NewTracer(cfg.Tracing)

	for _, m := range cfg.Models {
		a.catalog.Register(m)
		if m.Ctx > 0 {
			tokens.RegisterContextWindow(m.ID, m.Ctx)
		}
	}

	openaiCfg := cfg.OpenAI
	if openaiCfg.APIKey == "" {
		openaiCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	openaiProvider := llm.NewOpenAIProvider(openaiCfg)
	a.llms = llm.NewRegistry(openaiProvider)

	anthropicCfg := cfg.Anthropic
	if anthropicCfg.APIKey == "" {
		anthropicCfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if anthropicCfg.APIKey != "" {
		p, err := llm.NewAnthropicProvider(anthropicCfg)
		if err != nil {
			logger.Warn("anthropic provider disabled", "error", err)
		} else {
			a.llms.Register(p)
		}
	}

	if err := a.openStorage(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.plugins = plugins.NewRegistry(plugins.NewExecutor(&cfg.Plugins.Executor, a.metrics, a.tracer), logger)
	if err := a.plugins.Register(tools.NewCodeInterpreter(cfg.Plugins.Code).Plugin()); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("register code interpreter: %w", err)
	}
	if err := a.plugins.Load(ctx, &cfg.Plugins.PluginConfig); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	a.tools = tools.New(a.plugins, a.index, logger)

	var assistants providers.AssistantsAPI
	if client := openaiProvider.Client(); client != nil {
		assistants = client
	}
	a.providers = providers.NewRegistry(cfg.Agent.Providers, assistants)

	chat := bridge.NewChatCaller(a.llms, a.metrics, a.tracer, logger)
	a.bridge = bridge.New(chat,
		bridge.WithCaller(models.ModeLlamaIndex, bridge.NewRetrievalCaller(chat, a.index, logger)),
		bridge.WithThrottle(ratelimit.NewThrottle(cfg.Agent.Throttle.MaxRequestsPerMinute)),
		bridge.WithMetrics(a.metrics),
		bridge.WithTracer(a.tracer),
		bridge.WithLogger(logger),
	)

	a.runner = a.newRunner(cfg.Agent.Config)
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	var provider conversations.Provider
	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		provider = conversations.NewMemoryProvider()
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return fmt.Errorf("open index database: %w", err)
		}
		db.SetMaxOpenConns(1)
		a.db = db
	default:
		p, err := conversations.NewSQLiteProvider(ctx, a.cfg.Storage.SQLiteConfig)
		if err != nil {
			return err
		}
		provider = p
		a.db = p.DB()
	}

	idx, err := index.NewStore(ctx, a.db, nil)
	if err != nil {
		return err
	}
	a.index = idx
	a.store = conversations.NewStore(provider, tokens.FromCtx, a.cfg.Agent.Store, a.logger)
	return nil
}

// newRunner builds a runner whose model requests pass the bridge throttle.
func (a *app) newRunner(cfg agent.Config) *agent.Runner {
	return agent.NewRunner(a.providers, a.bridge.LLMs(a.llms), cfg,
		agent.WithStore(a.store),
		agent.WithTools(a.tools),
		agent.WithModels(a.catalog),
		agent.WithStopFlag(a.stop),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
		agent.WithLogger(a.logger),
	)
}

// Runner returns the current runner.
func (a *app) Runner() *agent.Runner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runner
}

// applyReload takes the mutable settings of a reloaded configuration: the
// agent section and the request throttle. A run in progress keeps the
// runner it started with.
func (a *app) applyReload(cfg *config.Config) {
	runner := a.newRunner(cfg.Agent.Config)
	a.mu.Lock()
	a.runner = runner
	a.cfg.Agent = cfg.Agent
	a.mu.Unlock()
	a.bridge.Throttle().SetLimit(cfg.Agent.Throttle.MaxRequestsPerMinute)
	a.logger.Info("agent settings reloaded",
		"provider", cfg.Agent.Provider,
		"max_requests_per_minute", cfg.Agent.Throttle.MaxRequestsPerMinute,
	)
}

// model resolves id, falling back to the first configured model and then
// to the catalog default.
func (a *app) model(id string) (*models.Model, error) {
	if id == "" && len(a.cfg.Models) > 0 {
		id = a.cfg.Models[0].ID
	}
	if id == "" {
		id = defaultModel
	}
	m, ok := a.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", id)
	}
	return m, nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}
