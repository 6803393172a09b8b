package agentloop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/crow/llm"
)

// EventKind identifies the type of turn event.
type EventKind string

const (
	EventTextDelta      EventKind = "text_delta"
	EventReasoningDelta EventKind = "reasoning_delta"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallEnd    EventKind = "tool_call_end"
	EventUsage          EventKind = "usage"
	EventTurnComplete   EventKind = "turn_complete"
	EventError          EventKind = "error"
)

// Event is a progress notification emitted during a turn. Which fields are
// set depends on Kind:
//
//   - text_delta, reasoning_delta: Text
//   - tool_call_start: ToolCallID, ToolName, Arguments
//   - tool_call_end: ToolCallID, ToolName, Output (untruncated), IsError, Duration
//   - usage: Usage for the round
//   - turn_complete: Reason, Summary, Text
//   - error: Err
type Event struct {
	Kind       EventKind       `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	ThreadID   string          `json:"thread_id"`
	Round      int             `json:"round"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Usage      *llm.Usage      `json:"usage,omitempty"`
	Reason     StopReason      `json:"reason,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Err        error           `json:"-"`
}

// EventSink receives turn events. Emit must not block the caller for long;
// EventEmitter is the queueing implementation.
type EventSink interface {
	Emit(Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(Event)

// Emit calls f(ev).
func (f EventFunc) Emit(ev Event) { f(ev) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Emit forwards ev to every sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// EventEmitter is an unbounded multi-producer, single-consumer event queue.
// Emit never blocks: events are buffered in memory and forwarded to the
// Events channel in order by a dedicated goroutine, so a slow consumer cannot
// stall the turn.
type EventEmitter struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
}

// NewEventEmitter creates an emitter and starts its forwarding goroutine.
func NewEventEmitter() *EventEmitter {
	e := &EventEmitter{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go e.forward()
	return e
}

// Emit queues an event. Events emitted after Close are dropped.
func (e *EventEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, ev)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Events returns the channel the consumer drains. It is closed after Close
// once every queued event has been delivered.
func (e *EventEmitter) Events() <-chan Event {
	return e.out
}

// Close stops accepting events. Queued events are still delivered before the
// channel closes. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Done is closed once the forwarding goroutine has delivered everything and
// closed the Events channel.
func (e *EventEmitter) Done() <-chan struct{} {
	return e.done
}

func (e *EventEmitter) forward() {
	defer close(e.done)
	defer close(e.out)
	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.notify
	}
}
