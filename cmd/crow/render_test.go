package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/crow/agentloop"
	"github.com/martinemde/crow/llm"
	"github.com/martinemde/crow/tracestore"
)

func TestRendererEvents(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	usage := llm.Usage{InputTokens: 10, OutputTokens: 2}
	for _, ev := range []agentloop.Event{
		{Kind: agentloop.EventTextDelta, Text: "Checking"},
		{Kind: agentloop.EventToolCallStart, ToolName: "bash", Arguments: json.RawMessage(`{ "command": "go test" }`)},
		{Kind: agentloop.EventToolCallEnd, ToolName: "bash", Output: "ok", Duration: 1500 * time.Millisecond},
		{Kind: agentloop.EventToolCallStart, ToolName: "read_file", Arguments: json.RawMessage(`{}`)},
		{Kind: agentloop.EventToolCallEnd, ToolName: "read_file", Output: "no such file\nstack", IsError: true},
		{Kind: agentloop.EventUsage, Usage: &usage},
		{Kind: agentloop.EventError, Err: errors.New("rate limited")},
		{Kind: agentloop.EventTurnComplete, Reason: agentloop.StopTaskComplete, Summary: "tests pass"},
	} {
		r.Event(ev)
	}
	r.Summary(agentloop.TurnResult{Reason: agentloop.StopTaskComplete, Rounds: 2, Usage: usage})

	text := out.String()
	for _, want := range []string{
		"Checking\n",
		`{"command":"go test"}`,
		"bash",
		"1.5s",
		"no such file …",
		"error: rate limited",
		"Task completed: tests pass",
		"2 rounds · 10 in / 2 out tokens",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in output:\n%s", want, text)
		}
	}
	if strings.Contains(text, "stack") {
		t.Error("only the first line of a failed tool's output is shown")
	}
}

func TestRendererCancelled(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	r.Event(agentloop.Event{Kind: agentloop.EventTextDelta, Text: "partial"})
	r.Summary(agentloop.TurnResult{Reason: agentloop.StopCancelled})
	if !strings.HasPrefix(out.String(), "partial\n") || !strings.Contains(out.String(), "Cancelled") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestPreviewArgs(t *testing.T) {
	long := `{"content":"` + strings.Repeat("x", 200) + `"}`
	tests := []struct {
		in   string
		want string
	}{
		{`{}`, ""},
		{`{ "path" : "a.go" }`, `{"path":"a.go"}`},
		{`not json`, "not json"},
		{long, long[:argsPreviewLen-1] + "…"},
	}
	for _, tt := range tests {
		if got := previewArgs(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("previewArgs(%.20s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("clip flattens whitespace, got %q", got)
	}
	if got := clip("abcdefghij", 5); got != "abcd…" {
		t.Errorf("clip truncates, got %q", got)
	}
}

func TestTurnsTable(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	out := turnsTable([]tracestore.Turn{
		{ID: "t1", Model: "gpt-5.2", StartedAt: started, FinishedAt: started.Add(time.Minute), Reason: "task_complete", Summary: "done", Rounds: 3},
		{ID: "t2", Model: "gpt-5.2", StartedAt: started, FinishedAt: started, Reason: "text_response", Error: "turn failed in round 1: boom"},
		{ID: "t3", Model: "gpt-5.2", StartedAt: started},
	})
	for _, want := range []string{"task_complete", "done", "error", "boom", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in table:\n%s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := &exitError{code: 2, err: cause}
	if !errors.Is(err, cause) || err.Error() != "boom" {
		t.Errorf("unexpected wrapping %v", err)
	}
	if (&exitError{code: 130}).Error() != "exit status 130" {
		t.Error("unexpected bare message")
	}
}
