// Command crow is a terminal coding agent built on the agentloop turn engine.
package main

import (
	"errors"
	"fmt"
	"os"
)

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "crow:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "crow:", err)
	return 1
}
