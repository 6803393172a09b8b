package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/martinemde/crow/agentloop"
	"github.com/martinemde/crow/agentloop/tools"
	"github.com/martinemde/crow/config"
	"github.com/martinemde/crow/llm"
	"github.com/martinemde/crow/prompt"
	"github.com/martinemde/crow/tracestore"
)

// app wires one engine, tool registry and optional trace store for the
// lifetime of a command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *llm.Client
	engine   *agentloop.Engine
	registry *tools.Registry
	catalog  []llm.ToolDefinition
	store    *tracestore.Store
	render   *renderer
}

// loadConfig reads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(flagProvider, flagModel, flagMaxIterations)
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagNoTrace {
		cfg.Trace.Enabled = false
	}
	return cfg, nil
}

func newApp(out io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Provider == "" {
		return nil, fmt.Errorf("no model provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run 'crow config init'")
	}

	workdir := flagWorkdir
	if workdir == "" {
		if workdir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
	}
	env := tools.NewLocalEnvironment(workdir)
	toolOpts := cfg.ToolOptions()
	toolOpts.ApplyPatch = prompt.FamilyOf(cfg.ActiveModel()) == prompt.FamilyOpenAI
	registry := tools.NewBuiltinRegistry(env, toolOpts)
	registry.SetLogger(logger)
	catalog := agentloop.WithTaskComplete(registry.Definitions())

	client, err := llm.NewClientFromSettings(cfg.ProviderSettings(), llm.WithLogger(logger),
		llm.WithStreamMiddleware(tracestore.StreamMiddleware()))
	if err != nil {
		return nil, err
	}

	globalDir, _ := config.Dir()
	system := prompt.Build(env, prompt.Options{
		Model:     cfg.ActiveModel(),
		Provider:  cfg.Provider,
		Custom:    cfg.SystemPrompt,
		Tools:     catalog,
		GlobalDir: globalDir,
	})
	engine := agentloop.NewEngine(client, cfg.EngineConfig(system), agentloop.WithLogger(logger))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		engine:   engine,
		registry: registry,
		catalog:  catalog,
		render:   newRenderer(out),
	}
	if cfg.Trace.Enabled {
		a.store = openTraceStore(cfg, logger)
	}

	logger.Debug("crow ready", "provider", cfg.Provider, "model", engine.Config().Model,
		"workdir", workdir, "tools", len(catalog), "tracing", a.store != nil)
	return a, nil
}

// openTraceStore opens the trace database. Failure disables tracing rather
// than the agent.
func openTraceStore(cfg *config.Config, logger *slog.Logger) *tracestore.Store {
	path := cfg.Trace.Path
	if path == "" {
		var err error
		if path, err = tracestore.DefaultPath(); err != nil {
			logger.Warn("tracing disabled", "err", err)
			return nil
		}
	}
	store, err := tracestore.Open(path)
	if err != nil {
		logger.Warn("tracing disabled", "path", path, "err", err)
		return nil
	}
	store.SetLogger(logger)
	return store
}

// runTurn drives one turn, rendering events as they stream and recording
// them when tracing is on.
func (a *app) runTurn(ctx context.Context, thread *agentloop.Thread) (agentloop.TurnResult, error) {
	var rec *tracestore.Recorder
	if a.store != nil {
		var err error
		rec, err = a.store.Recorder(ctx, thread.ID, a.engine.Config().Model)
		if err != nil {
			a.logger.Warn("turn will not be traced", "err", err)
		} else {
			ctx = tracestore.ContextWithRecorder(ctx, rec)
		}
	}

	consume := func(events <-chan agentloop.Event) {
		for ev := range events {
			a.render.Event(ev)
			if rec != nil {
				rec.Emit(ev)
			}
		}
	}
	result, err := agentloop.Drive(ctx, a.engine, thread, a.catalog, a.registry, consume)

	if rec != nil {
		if ferr := rec.Finish(context.WithoutCancel(ctx), result, err); ferr != nil {
			a.logger.Warn("trace incomplete", "turn", rec.TurnID(), "err", ferr)
		}
	}
	return result, err
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close trace store", "err", err)
		}
	}
	if err := a.client.Close(); err != nil {
		a.logger.Debug("close client", "err", err)
	}
}
