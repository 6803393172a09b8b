// Package llm is the model client used by the agent loop. It presents a
// provider-agnostic request/response/stream surface over several backends.
//
// # Architecture
//
//   - Types: Message and its ContentPart tagged union, Request, Response,
//     StreamEvent, Usage.
//   - Adapters: ProviderAdapter implementations for OpenAI (openai-go),
//     Anthropic (anthropic-sdk-go) and everything gollm supports.
//   - Client: provider routing, middleware, and the retry policy. Retries
//     happen here; callers such as the turn engine never retry.
//
// # Streaming
//
// Stream returns a channel that carries text and reasoning fragments as they
// arrive, then ToolCallEnd events for each requested call, then exactly one
// StreamFinish whose Response holds the complete message and token usage.
// Failures arrive as a single StreamError. The channel is closed afterwards,
// or early when the request context is cancelled.
//
//	client, _ := llm.NewClientFromSettings([]llm.ProviderSettings{
//	    {Name: "anthropic", APIKey: os.Getenv("ANTHROPIC_API_KEY")},
//	})
//	events, err := client.Stream(ctx, llm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
package llm
