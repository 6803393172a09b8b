package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/crow/agentloop"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a single turn and exit",
	Long: `Run sends the task to the agent and streams its work until it answers,
calls task_complete, or hits the iteration limit.

The exit status is 1 when the model provider fails and 130 when interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	thread := agentloop.NewThread("")
	thread.PushUser(strings.Join(args, " "))

	result, err := a.runTurn(ctx, thread)
	a.render.Summary(result)
	if err != nil {
		var turnErr *agentloop.TurnError
		if errors.As(err, &turnErr) {
			// Already rendered from the error event.
			return &exitError{code: 1}
		}
		return &exitError{code: 1, err: err}
	}
	if result.Reason == agentloop.StopCancelled {
		return &exitError{code: 130}
	}
	return nil
}
