package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/martinemde/crow/tracestore"
)

var tracesLimit int

var tracesCmd = &cobra.Command{
	Use:   "traces [turn-id]",
	Short: "List recorded turns, or show one turn's model and tool calls",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTraces,
}

func init() {
	tracesCmd.Flags().IntVarP(&tracesLimit, "limit", "n", 20, "number of turns to list")
	rootCmd.AddCommand(tracesCmd)
}

func openStoreForRead() (*tracestore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Trace.Path
	if path == "" {
		if path, err = tracestore.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return tracestore.Open(path)
}

func runTraces(cmd *cobra.Command, args []string) error {
	store, err := openStoreForRead()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return showTurn(ctx, out, store, args[0])
	}

	turns, err := store.RecentTurns(ctx, tracesLimit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintln(out, "No turns recorded.")
		return nil
	}
	fmt.Fprintln(out, turnsTable(turns))
	return nil
}

func turnsTable(turns []tracestore.Turn) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STARTED", "MODEL", "OUTCOME", "ROUNDS", "TOKENS", "SUMMARY")
	for _, turn := range turns {
		outcome := turn.Reason
		switch {
		case turn.Error != "":
			outcome = "error"
		case turn.FinishedAt.IsZero():
			outcome = "running"
		}
		detail := turn.Summary
		if turn.Error != "" {
			detail = turn.Error
		}
		t.Row(
			turn.ID,
			turn.StartedAt.Local().Format("2006-01-02 15:04"),
			turn.Model,
			outcome,
			fmt.Sprint(turn.Rounds),
			fmt.Sprintf("%d/%d", turn.InputTokens, turn.OutputTokens),
			clip(detail, 50),
		)
	}
	return t.String()
}

func showTurn(ctx context.Context, out io.Writer, store *tracestore.Store, turnID string) error {
	llmCalls, err := store.LLMCalls(ctx, turnID)
	if err != nil {
		return err
	}
	toolCalls, err := store.ToolCalls(ctx, turnID)
	if err != nil {
		return err
	}
	if len(llmCalls) == 0 && len(toolCalls) == 0 {
		return fmt.Errorf("no calls recorded for turn %s", turnID)
	}

	calls := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ROUND", "LATENCY", "TOKENS", "TEXT")
	for _, c := range llmCalls {
		text := c.Text
		if c.Error != "" {
			text = "error: " + c.Error
		}
		calls.Row(fmt.Sprint(c.Round), c.Latency.Round(time.Millisecond).String(),
			fmt.Sprintf("%d/%d", c.InputTokens, c.OutputTokens), clip(text, 60))
	}
	fmt.Fprintln(out, calls.String())

	if len(toolCalls) > 0 {
		tools := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ROUND", "TOOL", "STATUS", "DURATION", "ARGUMENTS")
		for _, c := range toolCalls {
			status := "ok"
			if c.IsError {
				status = "error"
			}
			tools.Row(fmt.Sprint(c.Round), c.ToolName, status,
				c.Duration.Round(time.Millisecond).String(), clip(c.Arguments, 60))
		}
		fmt.Fprintln(out, tools.String())
	}
	return nil
}

// clip flattens s to one line of at most n runes.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
