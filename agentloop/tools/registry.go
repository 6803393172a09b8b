package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/crow/llm"
)

// Handler implements one tool. A returned error becomes an error result the
// model can read; it does not end the turn.
type Handler func(ctx context.Context, args Args, env Environment) (string, error)

// Tool pairs a catalog definition with its handler.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// Registry holds tools in registration order and runs them against an
// Environment. It implements agentloop.ToolExecutor.
type Registry struct {
	mu     sync.RWMutex
	env    Environment
	order  []string
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry whose tools run in env.
func NewRegistry(env Environment) *Registry {
	return &Registry{
		env:    env,
		tools:  make(map[string]Tool),
		logger: slog.Default(),
	}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Environment returns the environment tools run in.
func (r *Registry) Environment() Environment { return r.env }

// Register adds a tool. Names must be non-empty and unique.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition.Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.order = append(r.order, name)
	r.tools[name] = tool
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the catalog in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, len(r.order))
	for i, name := range r.order {
		defs[i] = r.tools[name].Definition
	}
	return defs
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Execute runs the named tool. Every failure is reported as output with
// isError set.
func (r *Registry) Execute(ctx context.Context, name string, arguments json.RawMessage) (output string, isError bool) {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name), true
	}

	args, err := ParseArgs(arguments)
	if err != nil {
		return fmt.Sprintf("Tool error (%s): %v", name, err), true
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			output = fmt.Sprintf("Tool error (%s): panic: %v", name, p)
			isError = true
		}
	}()

	out, err := tool.Handler(ctx, args, r.env)
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "err", err)
		return fmt.Sprintf("Tool error (%s): %v", name, err), true
	}
	return out, false
}
