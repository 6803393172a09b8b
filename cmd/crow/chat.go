package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/crow/agentloop"
)

const chatHelp = `Commands:
  /resume  continue where the last turn stopped
  /new     start a new conversation
  /help    show this help
  /quit    exit
Ctrl-C cancels the running turn.`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	a, err := newApp(out)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "crow (%s) · /help for commands\n", a.engine.Config().Model)
	return chatLoop(cmd.InOrStdin(), out, a.newThread(), func(thread *agentloop.Thread) error {
		// Interrupts cancel only the turn in flight.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		result, err := a.runTurn(ctx, thread)
		a.render.Summary(result)
		return err
	}, a.newThread)
}

func (a *app) newThread() *agentloop.Thread {
	thread := agentloop.NewThread("")
	a.logger.Debug("new thread", "thread", thread.ID)
	return thread
}

// chatLoop reads lines until EOF or /quit. A failed turn is reported and the
// session continues; /resume retries from the recorded history.
func chatLoop(in io.Reader, out io.Writer, thread *agentloop.Thread, turn func(*agentloop.Thread) error, fresh func() *agentloop.Thread) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case line == "/new":
			thread = fresh()
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		case line == "/resume":
			thread.PushResume()
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "Unknown command %s\n%s\n", line, chatHelp)
			continue
		default:
			thread.PushUser(line)
		}

		if err := turn(thread); err != nil {
			var turnErr *agentloop.TurnError
			if !errors.As(err, &turnErr) {
				fmt.Fprintln(out, "error:", err)
			}
			fmt.Fprintln(out, "Type /resume to retry.")
		}
	}
}
