package main

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig        string
	flagProvider      string
	flagModel         string
	flagMaxIterations int
	flagLogLevel      string
	flagNoTrace       bool
	flagWorkdir       string
)

var rootCmd = &cobra.Command{
	Use:   "crow",
	Short: "A coding agent for your terminal",
	Long: `crow runs an LLM agent that reads, edits and tests code in your working
directory until the task is done.

Examples:
  crow run "add a --verbose flag to the build script"
  crow chat --model claude-sonnet-4-5
  crow traces --limit 5
  crow config init`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default $XDG_CONFIG_HOME/crow/config.yaml)")
	pf.StringVar(&flagProvider, "provider", "", "model provider (anthropic, openai, or a gollm provider)")
	pf.StringVar(&flagModel, "model", "", "model id or alias")
	pf.IntVar(&flagMaxIterations, "max-iterations", 0, "maximum model round-trips per turn")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&flagNoTrace, "no-trace", false, "do not record turns in the trace database")
	pf.StringVar(&flagWorkdir, "workdir", "", "working directory for tools (default: current directory)")
}
