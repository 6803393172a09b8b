package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/crow/llm"
)

// ToolExecutor runs a tool by name. Failures, including malformed arguments
// and unknown tools, are reported as output with isError set rather than as
// a Go error, so the model can see them and react. Implementations must be
// safe to call sequentially from one turn and concurrently from unrelated turns.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, arguments json.RawMessage) (output string, isError bool)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, name string, arguments json.RawMessage) (string, bool)

// Execute calls f.
func (f ToolExecutorFunc) Execute(ctx context.Context, name string, arguments json.RawMessage) (string, bool) {
	return f(ctx, name, arguments)
}

type threadIDKey struct{}

// ContextWithThreadID returns ctx carrying the id of the thread a tool call
// belongs to. The engine sets it before every Execute.
func ContextWithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, id)
}

// ThreadIDFromContext returns the thread id set by ContextWithThreadID.
func ThreadIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(threadIDKey{}).(string)
	return id, ok
}

// ValidateCatalog checks that every tool in the catalog has a non-empty,
// unique name.
func ValidateCatalog(catalog []llm.ToolDefinition) error {
	seen := make(map[string]bool, len(catalog))
	for i, def := range catalog {
		if def.Name == "" {
			return fmt.Errorf("tool catalog entry %d has no name", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("tool catalog has duplicate tool %q", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

// WithTaskComplete returns catalog with the completion tool appended, unless
// it is already present.
func WithTaskComplete(catalog []llm.ToolDefinition) []llm.ToolDefinition {
	for _, def := range catalog {
		if def.Name == TaskCompleteToolName {
			return catalog
		}
	}
	out := make([]llm.ToolDefinition, 0, len(catalog)+1)
	out = append(out, catalog...)
	return append(out, TaskCompleteTool())
}
