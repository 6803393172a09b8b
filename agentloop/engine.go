package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/crow/llm"
)

// ModelClient streams one model round-trip. *llm.Client satisfies it.
type ModelClient interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// StopReason is the terminal outcome of a turn.
type StopReason string

const (
	StopTaskComplete  StopReason = "task_complete"
	StopTextResponse  StopReason = "text_response"
	StopMaxIterations StopReason = "max_iterations"
	StopCancelled     StopReason = "cancelled"
)

// ErrThreadBusy is returned when a turn is started on a thread that is
// already running one.
var ErrThreadBusy = errors.New("agentloop: thread is already running a turn")

// TurnError reports a model client failure that ended a turn.
type TurnError struct {
	Round int
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in round %d: %v", e.Round, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ExecutedToolCall records one dispatched tool call. Output is untruncated.
type ExecutedToolCall struct {
	Round     int             `json:"round"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Output    string          `json:"output"`
	IsError   bool            `json:"is_error"`
	Duration  time.Duration   `json:"duration"`
}

// TurnResult is what RunTurn returns. On a model failure it still carries
// everything accumulated before the failure.
type TurnResult struct {
	Reason    StopReason         `json:"reason"`
	Text      string             `json:"text,omitempty"`
	Summary   string             `json:"summary,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
	ToolCalls []ExecutedToolCall `json:"tool_calls,omitempty"`
	Usage     llm.Usage          `json:"usage"`
	Rounds    int                `json:"rounds"`
}

// EngineConfig holds the per-engine settings for a turn.
type EngineConfig struct {
	Model               string         `json:"model"`
	Provider            string         `json:"provider,omitempty"`
	SystemPrompt        string         `json:"system_prompt,omitempty"`
	MaxIterations       int            `json:"max_iterations"`
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"` // "low", "medium", "high", or ""
	MaxTokens           int            `json:"max_tokens,omitempty"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopThreshold       int            `json:"loop_threshold"`
}

const (
	DefaultMaxIterations = 50
	DefaultLoopThreshold = 3
)

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations:       DefaultMaxIterations,
		EnableLoopDetection: true,
		LoopThreshold:       DefaultLoopThreshold,
	}
}

// Engine runs turns against a model client. It holds no conversation state
// and may run turns on different threads concurrently.
type Engine struct {
	client ModelClient
	config EngineConfig
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine. Non-positive MaxIterations and LoopThreshold
// fall back to their defaults.
func NewEngine(client ModelClient, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = DefaultLoopThreshold
	}
	e := &Engine{client: client, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.config }

// RunTurn drives model round-trips and tool dispatch on thread until the
// model finishes, the iteration cap is reached, or ctx is cancelled.
// Cancellation and the cap are outcomes, not errors. A model client failure
// is reported on sink and returned as a *TurnError. The thread is left
// appendable on every path.
func (e *Engine) RunTurn(ctx context.Context, thread *Thread, catalog []llm.ToolDefinition, executor ToolExecutor, sink EventSink) (TurnResult, error) {
	if thread == nil {
		return TurnResult{}, errors.New("agentloop: nil thread")
	}
	if err := ValidateCatalog(catalog); err != nil {
		return TurnResult{}, err
	}
	if sink == nil {
		sink = discardSink{}
	}
	if !thread.busy.CompareAndSwap(false, true) {
		return TurnResult{}, ErrThreadBusy
	}
	defer thread.busy.Store(false)

	t := &turn{
		engine:   e,
		thread:   thread,
		catalog:  catalog,
		executor: executor,
		sink:     sink,
		logger:   e.logger.With("thread", thread.ID),
	}
	if e.config.EnableLoopDetection {
		t.loops = newLoopDetector(e.config.LoopThreshold)
	}
	return t.run(ctx)
}

// turn is the state of one RunTurn call.
type turn struct {
	engine   *Engine
	thread   *Thread
	catalog  []llm.ToolDefinition
	executor ToolExecutor
	sink     EventSink
	logger   *slog.Logger
	loops    *loopDetector
	round    int
	result   TurnResult
}

func (t *turn) run(ctx context.Context) (TurnResult, error) {
	cfg := t.engine.config
	for {
		if ctx.Err() != nil {
			return t.cancelled(), nil
		}
		if t.result.Rounds >= cfg.MaxIterations {
			t.logger.Debug("iteration cap reached", "rounds", t.result.Rounds)
			return t.complete(StopMaxIterations, ""), nil
		}

		t.result.Rounds++
		t.round = t.result.Rounds
		t.logger.Debug("model round", "round", t.round, "entries", len(t.thread.Entries))

		resp, err := t.stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled(), nil
			}
			t.logger.Error("model request failed", "round", t.round, "err", err)
			t.emit(Event{Kind: EventError, Err: err, Text: err.Error()})
			return t.result, &TurnError{Round: t.round, Err: err}
		}

		agent, calls := t.record(resp)
		if len(calls) == 0 {
			return t.complete(StopTextResponse, ""), nil
		}

		for _, call := range calls {
			if ctx.Err() != nil {
				return t.cancelled(), nil
			}
			if call.Name == TaskCompleteToolName {
				summary, err := parseTaskComplete(call.Arguments)
				if err != nil {
					t.emit(Event{Kind: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})
					t.recordResult(agent, call, err.Error(), err.Error(), true, 0)
					continue
				}
				agent.AddToolResult(call.ID, call.Name, "Task completed: "+summary, false)
				return t.complete(StopTaskComplete, summary), nil
			}
			t.dispatch(ctx, agent, call)
		}
	}
}

// stream issues one request and forwards fragments as they arrive. Fragments
// are only committed to the thread once the response is complete.
func (t *turn) stream(ctx context.Context) (*llm.Response, error) {
	cfg := t.engine.config
	req := llm.Request{
		Model:           cfg.Model,
		Provider:        cfg.Provider,
		Messages:        t.thread.ToRequestMessages(cfg.SystemPrompt),
		ToolDefs:        t.catalog,
		ReasoningEffort: cfg.ReasoningEffort,
	}
	if len(t.catalog) > 0 {
		req.ToolChoice = &llm.ToolChoice{Mode: "auto"}
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}

	// Abandoning the stream on cancellation also stops the producer.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := t.engine.client.Stream(streamCtx, req)
	if err != nil {
		return nil, err
	}

	acc := llm.NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &llm.StreamProtocolError{SDKError: llm.SDKError{Message: "stream ended without a finish event"}}
			}
			switch ev.Type {
			case llm.TextDelta:
				if ev.Delta != "" {
					t.emit(Event{Kind: EventTextDelta, Text: ev.Delta})
				}
			case llm.ReasoningDelta:
				if ev.ReasoningDelta != "" {
					t.emit(Event{Kind: EventReasoningDelta, Text: ev.ReasoningDelta})
				}
			case llm.StreamError:
				if ev.Error == nil {
					return nil, &llm.StreamProtocolError{SDKError: llm.SDKError{Message: "stream reported an error without details"}}
				}
				return nil, ev.Error
			}
			acc.Process(ev)
			if ev.Type == llm.StreamFinish {
				return acc.Response(), nil
			}
		}
	}
}

// record appends the completed response to the pending agent entry and
// emits the round's usage. It returns the entry and the requested calls.
func (t *turn) record(resp *llm.Response) (*AgentEntry, []llm.ToolCall) {
	agent := t.thread.PendingAgent()
	if agent == nil {
		agent = t.thread.StartAgentEntry()
	}

	if reasoning, sig := resp.Reasoning(), resp.ReasoningSignature(); reasoning != "" || sig != "" {
		agent.PushReasoning(reasoning, sig)
		t.result.Reasoning += reasoning
	}
	if text := resp.Text(); text != "" {
		agent.PushText(text)
		t.result.Text = text
	}

	calls := resp.ToolCalls()
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", t.round, i)
		}
		if len(calls[i].Arguments) == 0 {
			calls[i].Arguments = json.RawMessage(`{}`)
		}
		agent.PushToolUse(calls[i].ID, calls[i].Name, t.storedArguments(calls[i]))
	}

	usage := resp.Usage
	t.result.Usage = t.result.Usage.Add(usage)
	t.emit(Event{Kind: EventUsage, Usage: &usage})
	t.checkContextUsage(usage)

	return agent, calls
}

// storedArguments returns the arguments as kept in the thread. Malformed JSON
// is kept as a JSON string so the thread still serializes; the executor gets
// the raw bytes and reports the parse failure as the tool result.
func (t *turn) storedArguments(call llm.ToolCall) json.RawMessage {
	if json.Valid(call.Arguments) {
		return call.Arguments
	}
	t.logger.Warn("model sent malformed tool arguments", "tool", call.Name, "call_id", call.ID, "round", t.round)
	quoted, err := json.Marshal(string(call.Arguments))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return quoted
}

// dispatch runs one ordinary tool call and records its result.
func (t *turn) dispatch(ctx context.Context, agent *AgentEntry, call llm.ToolCall) {
	if t.loops.observe(call.Name, call.Arguments) {
		msg := loopDetectedMessage(call.Name, t.engine.config.LoopThreshold)
		t.logger.Warn("tool call loop detected", "tool", call.Name, "round", t.round)
		t.emit(Event{Kind: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})
		t.recordResult(agent, call, msg, msg, true, 0)
		return
	}

	t.logger.Debug("dispatching tool", "tool", call.Name, "call_id", call.ID, "round", t.round)
	t.emit(Event{Kind: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})

	start := time.Now()
	output, isError := t.execute(ctx, call)
	duration := time.Since(start)

	cfg := t.engine.config
	stored := TruncateToolOutput(output, call.Name, cfg.ToolOutputLimits, cfg.ToolLineLimits)
	t.recordResult(agent, call, output, stored, isError, duration)
}

// recordResult emits tool_call_end with the full output and stores the
// (possibly truncated) result in the thread.
func (t *turn) recordResult(agent *AgentEntry, call llm.ToolCall, output, stored string, isError bool, duration time.Duration) {
	t.emit(Event{
		Kind:       EventToolCallEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
		IsError:    isError,
		Duration:   duration,
	})
	agent.AddToolResult(call.ID, call.Name, stored, isError)
	t.result.ToolCalls = append(t.result.ToolCalls, ExecutedToolCall{
		Round:     t.round,
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Output:    output,
		IsError:   isError,
		Duration:  duration,
	})
}

func (t *turn) execute(ctx context.Context, call llm.ToolCall) (output string, isError bool) {
	if t.executor == nil {
		return fmt.Sprintf("Unknown tool: %s", call.Name), true
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			output = fmt.Sprintf("Tool error (%s): panic: %v", call.Name, r)
			isError = true
		}
	}()
	return t.executor.Execute(ContextWithThreadID(ctx, t.thread.ID), call.Name, call.Arguments)
}

// checkContextUsage warns when a round's prompt used more than 80% of the
// model's context window.
func (t *turn) checkContextUsage(usage llm.Usage) {
	info := llm.GetModelInfo(t.engine.config.Model)
	if info == nil || info.ContextWindow == 0 {
		return
	}
	threshold := int(float64(info.ContextWindow) * 0.8)
	if usage.InputTokens > threshold {
		pct := usage.InputTokens * 100 / info.ContextWindow
		t.logger.Warn("context window nearly full", "percent", pct, "input_tokens", usage.InputTokens, "model", info.ID)
	}
}

func (t *turn) complete(reason StopReason, summary string) TurnResult {
	t.result.Reason = reason
	t.result.Summary = summary
	t.emit(Event{Kind: EventTurnComplete, Reason: reason, Summary: summary, Text: t.result.Text})
	return t.result
}

// cancelled ends the turn without a terminal event; callers learn the
// outcome from the returned reason.
func (t *turn) cancelled() TurnResult {
	t.logger.Debug("turn cancelled", "rounds", t.result.Rounds)
	t.result.Reason = StopCancelled
	return t.result
}

func (t *turn) emit(ev Event) {
	ev.ThreadID = t.thread.ID
	ev.Round = t.round
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	t.sink.Emit(ev)
}
