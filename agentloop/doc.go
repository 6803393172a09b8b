// Package agentloop is the turn execution engine of the crow coding agent.
//
// A caller owns a Thread and calls Engine.RunTurn once per user request. A
// turn may span many model round-trips: the engine streams a response,
// records it on the thread, runs the requested tools through a ToolExecutor,
// and repeats until the model answers in plain text, calls the reserved
// task_complete tool, hits the iteration cap, or the context is cancelled.
//
// # Architecture
//
//   - Thread: append-only conversation of user entries, agent entries and
//     resume markers. ToRequestMessages renders it deterministically so
//     unchanged prefixes stay cacheable by the model backend.
//   - Event: closed set of progress notifications. EventEmitter is an
//     unbounded queue so a slow consumer never stalls the turn.
//   - Engine: the round-trip loop, task_complete interception, doom-loop
//     detection and tool output truncation.
//   - ModelClient and ToolExecutor: the collaborators. *llm.Client and
//     *tools.Registry are the production implementations.
//
// # Quick Start
//
//	engine := agentloop.NewEngine(client, agentloop.DefaultEngineConfig())
//	thread := agentloop.NewThread("")
//	thread.PushUser("Create a hello.py file")
//
//	catalog := agentloop.WithTaskComplete(registry.Definitions())
//	result, err := agentloop.Drive(ctx, engine, thread, catalog, registry, func(events <-chan agentloop.Event) {
//	    for ev := range events {
//	        fmt.Printf("[%s] %s\n", ev.Kind, ev.Text)
//	    }
//	})
package agentloop
