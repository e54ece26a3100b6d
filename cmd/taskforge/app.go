package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/taskforge/internal/agent"
	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/config"
	"github.com/nidhogg/taskforge/internal/conversation"
	"github.com/nidhogg/taskforge/internal/events"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/graph"
	"github.com/nidhogg/taskforge/internal/mcp"
	"github.com/nidhogg/taskforge/internal/metrics"
	"github.com/nidhogg/taskforge/internal/notify"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/planner"
	"github.com/nidhogg/taskforge/internal/provider"
	"github.com/nidhogg/taskforge/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app is the fully wired process. Backends that fail to connect are
// logged and left out; only the provider router is mandatory.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *provider.Router
	registry  *capability.Registry
	agent     *agent.Agent
	metrics   *metrics.Collector
	runs      store.RunStore
	stream    *events.Stream

	closers []func()
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.LogFormat, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func loadApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", cfgPath))

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Providers and oracle
	a.providers = provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			a.providers.Register(provider.NewOpenAIProvider(pc.Provider(), logger))
		case "anthropic":
			a.providers.Register(provider.NewAnthropicProvider(pc.Provider(), logger))
		case "langchain":
			p, err := provider.NewLangChainProvider(pc.Provider(), logger)
			if err != nil {
				return fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			a.providers.Register(p)
		}
	}
	if len(a.providers.ListProviders()) == 0 {
		return fmt.Errorf("no providers configured")
	}
	if cfg.Oracle.Default != "" {
		a.providers.SetDefault(cfg.Oracle.Default)
	}
	for purpose, id := range cfg.Oracle.Routes {
		a.providers.Bind(purpose, id)
	}
	if len(cfg.Oracle.Fallbacks) > 0 {
		a.providers.SetFallbacks("", cfg.Oracle.Fallbacks)
	}
	o := oracle.NewRouted(a.providers, oracle.Options{
		Model:            cfg.Oracle.Model,
		Timeout:          cfg.Oracle.Timeout(),
		DefaultMaxTokens: cfg.Oracle.MaxTokens,
	}, logger)

	// Capabilities
	a.registry = capability.NewRegistry(cfg.Executor.StepTimeout(), logger)
	if !cfg.Capabilities.DisableBuiltins {
		if err := capability.RegisterBuiltins(a.registry, cfg.Capabilities.Workspace); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}
	var sources []capability.ToolSource
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, sc.Timeout(), logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		a.closers = append(a.closers, func() { c.Close() })
		sources = append(sources, c)
	}
	if err := capability.RegisterMCP(a.registry, sources...); err != nil {
		return fmt.Errorf("register mcp tools: %w", err)
	}
	logger.Info("capabilities registered", zap.Int("count", len(a.registry.Catalog())))

	// Conversation memory
	var counter conversation.Counter = conversation.HeuristicCounter{}
	if cfg.Memory.Tokenizer == "tiktoken" {
		tc, err := conversation.NewTiktokenCounter(cfg.Memory.Encoding)
		if err != nil {
			logger.Warn("tiktoken unavailable, using heuristic token counts", zap.Error(err))
		} else {
			counter = tc
		}
	}
	mem := conversation.NewManager(cfg.Memory.MaxTokens, counter, o, logger)

	// Executor and observers
	ex := executor.New(a.registry, o, executor.Options{Timeout: cfg.Executor.Timeout()}, logger)
	a.metrics = metrics.NewCollector()
	ex.AddObserver(a.metrics)
	if cfg.Database.Redis.URL != "" {
		s, err := events.Open(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			a.stream = s
			a.closers = append(a.closers, func() { s.Close() })
			ex.AddObserver(s)
		}
	}

	a.agent = agent.New(planner.New(o, logger), ex, a.registry, mem,
		agent.Options{Threshold: cfg.Memory.Threshold}, logger)

	a.wireSinks(ctx)
	return nil
}

// wireSinks attaches run history, the run graph and chat notifications.
func (a *app) wireSinks(ctx context.Context) {
	cfg, logger := a.cfg, a.logger

	switch {
	case cfg.Database.Postgres.DSN != "":
		pg, err := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without run history", zap.Error(err))
			break
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Warn("PostgreSQL migration failed", zap.Error(err))
			pg.Close()
			break
		}
		a.runs = pg
	case cfg.Database.SQLite.Path != "":
		sq, err := store.NewSQLite(ctx, cfg.Database.SQLite.Path, logger)
		if err != nil {
			logger.Warn("SQLite unavailable, running without run history", zap.Error(err))
			break
		}
		a.runs = sq
	}
	if a.runs != nil {
		runs := a.runs
		a.closers = append(a.closers, func() { runs.Close() })
		a.agent.AddSink("runs", agent.SinkFunc(runs.SaveRun))
	}

	if cfg.Database.Neo4j.URI != "" {
		g, err := graph.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err == nil {
			err = g.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without run graph", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { g.Close(context.Background()) })
			a.agent.AddSink("graph", agent.SinkFunc(g.SaveRun))
		}
	}

	notifiers := notify.NewMulti(logger)
	if s := cfg.Notify.Slack; s.Enabled && s.BotToken != "" {
		notifiers.Add(notify.NewSlack(s.BotToken, s.Channel, s.APIURL, logger))
	}
	if d := cfg.Notify.Discord; d.Enabled && d.BotToken != "" {
		dn, err := notify.NewDiscord(d.BotToken, d.ChannelID, logger)
		if err != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(err))
		} else {
			notifiers.Add(dn)
		}
	}
	if platforms := notifiers.Platforms(); len(platforms) > 0 {
		logger.Info("notifications enabled", zap.Strings("platforms", platforms))
		a.agent.AddSink("notify", agent.SinkFunc(notifiers.Notify))
	}
}

// Close releases backends in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
