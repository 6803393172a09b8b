package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/martinemde/crow/config"
	"github.com/martinemde/crow/llm"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with API keys masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			var err error
			if path, err = config.Path(); err != nil {
				return err
			}
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		cfg.ApplyOverrides(flagProvider, flagModel, flagMaxIterations)
		if cfg.Provider == "" {
			switch {
			case os.Getenv("ANTHROPIC_API_KEY") != "":
				cfg.Provider = "anthropic"
			case os.Getenv("OPENAI_API_KEY") != "":
				cfg.Provider = "openai"
			}
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List known models",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := ""
		if len(args) == 1 {
			provider = args[0]
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("MODEL", "PROVIDER", "CONTEXT", "ALIASES")
		for _, m := range llm.ListModels(provider) {
			t.Row(m.ID, m.Provider, fmt.Sprint(m.ContextWindow), strings.Join(m.Aliases, ", "))
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd, modelsCmd)
}
