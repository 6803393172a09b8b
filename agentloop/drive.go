package agentloop

import (
	"context"
	"sync"

	"github.com/martinemde/crow/llm"
)

// Drive runs one turn with a decoupled event consumer. The turn emits into an
// EventEmitter; consume drains the channel on its own goroutine and may be as
// slow as it likes. Drive returns once the turn has finished and consume has
// seen every event. A nil consume discards events.
func Drive(ctx context.Context, engine *Engine, thread *Thread, catalog []llm.ToolDefinition, executor ToolExecutor, consume func(<-chan Event)) (TurnResult, error) {
	emitter := NewEventEmitter()
	events := emitter.Events()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if consume != nil {
			consume(events)
		}
		// Keep the forwarder moving if the consumer stopped early.
		for range events {
		}
	}()

	result, err := engine.RunTurn(ctx, thread, catalog, executor, emitter)
	emitter.Close()
	wg.Wait()
	return result, err
}
