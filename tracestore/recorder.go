package tracestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/crow/agentloop"
	"github.com/martinemde/crow/llm"
)

// Recorder persists the events of one turn. It is both an
// agentloop.EventSink (Emit) and a channel consumer (Consume), so it can sit
// behind an EventEmitter where its database writes never slow the turn.
type Recorder struct {
	store  *Store
	turnID string

	mu          sync.Mutex
	err         error
	roundStart  time.Time
	text        strings.Builder
	reasoning   strings.Builder
	pendingArgs map[string]json.RawMessage
	// requests holds payloads seen by StreamMiddleware, oldest first. Events
	// arrive behind the emitter queue, so a round's request can be observed
	// before the previous round's usage event is recorded.
	requests []requestPayload
}

type requestPayload struct {
	messages string
	tools    string
}

type recorderKey struct{}

// ContextWithRecorder attaches rec so StreamMiddleware can record the requests
// made under ctx.
func ContextWithRecorder(ctx context.Context, rec *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

// StreamMiddleware records the messages and tool definitions of each model
// request against the Recorder carried by the request context.
func StreamMiddleware() llm.StreamMiddleware {
	return func(ctx context.Context, req llm.Request, next func(context.Context, llm.Request) (<-chan llm.StreamEvent, error)) (<-chan llm.StreamEvent, error) {
		if rec, ok := ctx.Value(recorderKey{}).(*Recorder); ok && rec != nil {
			rec.ObserveRequest(req)
		}
		return next(ctx, req)
	}
}

// Recorder inserts a turn row and returns a recorder for its events.
func (s *Store) Recorder(ctx context.Context, threadID, model string) (*Recorder, error) {
	now := time.Now()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, thread_id, model, started_at) VALUES (?, ?, ?, ?)`,
		id, threadID, model, millis(now))
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return &Recorder{
		store:       s,
		turnID:      id,
		roundStart:  now,
		pendingArgs: make(map[string]json.RawMessage),
	}, nil
}

// TurnID returns the id of the recorded turn.
func (r *Recorder) TurnID() string { return r.turnID }

// Consume records every event until the channel closes.
func (r *Recorder) Consume(events <-chan agentloop.Event) {
	for ev := range events {
		r.Emit(ev)
	}
}

// ObserveRequest queues the payload of a model request. It is stored with the
// next llm_calls row, whether the round ends in usage or in an error.
func (r *Recorder) ObserveRequest(req llm.Request) {
	messages, err := json.Marshal(req.Messages)
	if err != nil {
		r.store.logger.Warn("trace request messages", "turn", r.turnID, "err", err)
	}
	tools, err := json.Marshal(req.ToolDefs)
	if err != nil {
		r.store.logger.Warn("trace request tools", "turn", r.turnID, "err", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, requestPayload{messages: string(messages), tools: string(tools)})
}

// Emit records one event. Write failures are logged and kept for Err.
func (r *Recorder) Emit(ev agentloop.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Kind {
	case agentloop.EventTextDelta:
		r.text.WriteString(ev.Text)
	case agentloop.EventReasoningDelta:
		r.reasoning.WriteString(ev.Text)
	case agentloop.EventUsage:
		var in, out int
		if ev.Usage != nil {
			in, out = ev.Usage.InputTokens, ev.Usage.OutputTokens
		}
		r.insertCall(ev.Round, ts, in, out, nil)
	case agentloop.EventError:
		errText := ev.Text
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		r.insertCall(ev.Round, ts, 0, 0, errText)
	case agentloop.EventToolCallStart:
		r.pendingArgs[ev.ToolCallID] = ev.Arguments
	case agentloop.EventToolCallEnd:
		args := r.pendingArgs[ev.ToolCallID]
		delete(r.pendingArgs, ev.ToolCallID)
		r.exec(`INSERT INTO tool_calls (turn_id, round, tool_call_id, tool_name, arguments, output, is_error, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.turnID, ev.Round, ev.ToolCallID, ev.ToolName, string(args), ev.Output, ev.IsError,
			ev.Duration.Milliseconds(), millis(ts))
		// The next request goes out once the last tool finishes.
		r.roundStart = ts
	}
}

// insertCall writes the llm_calls row for a finished round and resets the
// per-round buffers. errText is nil for a successful round.
func (r *Recorder) insertCall(round int, ts time.Time, in, out int, errText any) {
	var req requestPayload
	var messages, tools any
	if len(r.requests) > 0 {
		req, r.requests = r.requests[0], r.requests[1:]
		messages, tools = req.messages, req.tools
	}
	r.exec(`INSERT INTO llm_calls (turn_id, round, started_at, latency_ms, text, reasoning, input_tokens, output_tokens,
		                       request_messages, request_tools, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.turnID, round, millis(r.roundStart), ts.Sub(r.roundStart).Milliseconds(),
		r.text.String(), r.reasoning.String(), in, out, messages, tools, errText)
	r.text.Reset()
	r.reasoning.Reset()
	r.roundStart = ts
}

// Finish closes the turn row with the outcome of RunTurn.
func (r *Recorder) Finish(ctx context.Context, result agentloop.TurnResult, turnErr error) error {
	var errText any
	if turnErr != nil {
		errText = turnErr.Error()
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE turns SET finished_at = ?, reason = ?, summary = ?, input_tokens = ?, output_tokens = ?,
		                 rounds = ?, error = ?
		WHERE id = ?`,
		millis(time.Now()), string(result.Reason), result.Summary, result.Usage.InputTokens,
		result.Usage.OutputTokens, result.Rounds, errText, r.turnID)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	return r.Err()
}

// Err returns the first write failure seen while recording events.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) exec(query string, args ...any) {
	if _, err := r.store.db.ExecContext(context.Background(), query, args...); err != nil {
		r.store.logger.Warn("trace write failed", "turn", r.turnID, "err", err)
		if r.err == nil {
			r.err = err
		}
	}
}
