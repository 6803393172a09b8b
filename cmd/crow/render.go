package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/crow/agentloop"
)

const argsPreviewLen = 80

// renderer prints turn events to a terminal.
type renderer struct {
	out io.Writer

	reasoning lipgloss.Style
	tool      lipgloss.Style
	success   lipgloss.Style
	failure   lipgloss.Style
	muted     lipgloss.Style
	warning   lipgloss.Style

	atLineStart bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:         out,
		reasoning:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		tool:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		success:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		failure:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		muted:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		warning:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		atLineStart: true,
	}
}

func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.atLineStart = strings.HasSuffix(s, "\n")
}

// newline ends a partially written line.
func (r *renderer) newline() {
	if !r.atLineStart {
		r.write("\n")
	}
}

// Event renders one event.
func (r *renderer) Event(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventTextDelta:
		r.write(ev.Text)
	case agentloop.EventReasoningDelta:
		r.write(r.reasoning.Render(ev.Text))
	case agentloop.EventToolCallStart:
		r.newline()
		r.write(fmt.Sprintf("%s %s\n", r.tool.Render("● "+ev.ToolName), r.muted.Render(previewArgs(ev.Arguments))))
	case agentloop.EventToolCallEnd:
		mark := r.success.Render("✓")
		if ev.IsError {
			mark = r.failure.Render("✗")
		}
		line := fmt.Sprintf("  %s %s %s", mark, ev.ToolName, r.muted.Render(ev.Duration.Round(time.Millisecond).String()))
		if ev.IsError {
			line += " " + r.failure.Render(firstLine(ev.Output))
		}
		r.write(line + "\n")
	case agentloop.EventTurnComplete:
		r.newline()
		switch ev.Reason {
		case agentloop.StopTaskComplete:
			r.write(r.success.Render("Task completed: "+ev.Summary) + "\n")
		case agentloop.StopMaxIterations:
			r.write(r.warning.Render("Stopped: iteration limit reached") + "\n")
		}
	case agentloop.EventError:
		r.newline()
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		r.write(r.failure.Render("error: "+msg) + "\n")
	}
}

// Summary prints the turn's round and token totals.
func (r *renderer) Summary(result agentloop.TurnResult) {
	r.newline()
	if result.Reason == agentloop.StopCancelled {
		r.write(r.warning.Render("Cancelled") + "\n")
	}
	if u := result.Usage; u.InputTokens+u.OutputTokens > 0 {
		r.write(r.muted.Render(fmt.Sprintf("%d rounds · %d in / %d out tokens",
			result.Rounds, u.InputTokens, u.OutputTokens)) + "\n")
	}
}

func previewArgs(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	s := buf.String()
	if s == "{}" {
		return ""
	}
	if r := []rune(s); len(r) > argsPreviewLen {
		return string(r[:argsPreviewLen-1]) + "…"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
