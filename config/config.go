// Package config loads crow's settings from defaults, a YAML file and
// CROW_-prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/crow/agentloop"
	"github.com/martinemde/crow/agentloop/tools"
	"github.com/martinemde/crow/llm"
)

type Config struct {
	Provider        string `mapstructure:"provider" yaml:"provider"`
	Model           string `mapstructure:"model" yaml:"model,omitempty"`
	MaxIterations   int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	ReasoningEffort string `mapstructure:"reasoning_effort" yaml:"reasoning_effort,omitempty"` // "", "low", "medium" or "high"
	MaxTokens       int    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	SystemPrompt    string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`

	Trace     TraceConfig               `mapstructure:"trace" yaml:"trace"`
	Tools     ToolsConfig               `mapstructure:"tools" yaml:"tools"`
	OpenAI    ProviderConfig            `mapstructure:"openai" yaml:"openai"`
	Anthropic ProviderConfig            `mapstructure:"anthropic" yaml:"anthropic"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"` // served through gollm
}

type TraceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"` // default: $XDG_DATA_HOME/crow/traces.db
}

type ToolsConfig struct {
	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	MaxCommandTimeout time.Duration `mapstructure:"max_command_timeout" yaml:"max_command_timeout"`
	SearchURL         string        `mapstructure:"search_url" yaml:"search_url,omitempty"` // SearXNG base URL; enables web_search
}

// MarshalYAML writes durations as "2m0s" rather than nanoseconds.
func (t ToolsConfig) MarshalYAML() (any, error) {
	out := map[string]string{
		"command_timeout":     t.CommandTimeout.String(),
		"max_command_timeout": t.MaxCommandTimeout.String(),
	}
	if t.SearchURL != "" {
		out["search_url"] = t.SearchURL
	}
	return out, nil
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model   string `mapstructure:"model" yaml:"model,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxIterations: agentloop.DefaultMaxIterations,
		LogLevel:      "info",
		Trace:         TraceConfig{Enabled: true},
		Tools: ToolsConfig{
			CommandTimeout:    tools.DefaultCommandTimeout,
			MaxCommandTimeout: tools.DefaultMaxCommandTimeout,
		},
	}
}

// Dir returns $XDG_CONFIG_HOME/crow or ~/.config/crow.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crow"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "crow"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("provider", d.Provider)
	v.SetDefault("model", d.Model)
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("reasoning_effort", d.ReasoningEffort)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("system_prompt", d.SystemPrompt)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("trace.enabled", d.Trace.Enabled)
	v.SetDefault("trace.path", d.Trace.Path)
	v.SetDefault("tools.command_timeout", d.Tools.CommandTimeout)
	v.SetDefault("tools.max_command_timeout", d.Tools.MaxCommandTimeout)
	v.SetDefault("tools.search_url", "")
	// Registered so AutomaticEnv can see CROW_OPENAI_API_KEY and friends.
	for _, p := range []string{"openai", "anthropic"} {
		v.SetDefault(p+".api_key", "")
		v.SetDefault(p+".base_url", "")
		v.SetDefault(p+".model", "")
	}
}

// Load reads the configuration. An empty path searches the config directory
// and the current directory for config.yaml; a missing file there is not an
// error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Tools.SearchURL == "" {
		cfg.Tools.SearchURL = os.Getenv("SEARXNG_URL")
	}
	if cfg.Provider == "" {
		cfg.Provider = cfg.inferProvider()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// inferProvider picks anthropic, then openai, whichever has a key, then the
// alphabetically first extra provider.
func (c *Config) inferProvider() string {
	switch {
	case c.Anthropic.APIKey != "":
		return "anthropic"
	case c.OpenAI.APIKey != "":
		return "openai"
	}
	if names := slices.Sorted(maps.Keys(c.Providers)); len(names) > 0 {
		return names[0]
	}
	return ""
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	switch c.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("reasoning_effort must be low, medium or high, got %q", c.ReasoningEffort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.Tools.CommandTimeout < 0 || c.Tools.MaxCommandTimeout < 0 {
		return fmt.Errorf("tool timeouts must not be negative")
	}
	return nil
}

// ApplyOverrides applies command-line overrides. Empty or zero values are
// ignored.
func (c *Config) ApplyOverrides(provider, model string, maxIterations int) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		c.Model = model
	}
	if maxIterations > 0 {
		c.MaxIterations = maxIterations
	}
}

// ActiveModel returns the model to request: the top-level model, else the
// active provider's model, else the catalog default for the provider.
func (c *Config) ActiveModel() string {
	if c.Model != "" {
		return c.Model
	}
	if p, ok := c.provider(c.Provider); ok && p.Model != "" {
		return p.Model
	}
	if info := llm.DefaultModel(c.Provider); info != nil {
		return info.ID
	}
	return ""
}

func (c *Config) provider(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return c.OpenAI, true
	case "anthropic":
		return c.Anthropic, true
	}
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderSettings lists every provider with credentials, the active one
// first so the client uses it by default.
func (c *Config) ProviderSettings() []llm.ProviderSettings {
	var out []llm.ProviderSettings
	add := func(name string, p ProviderConfig) {
		out = append(out, llm.ProviderSettings{Name: name, APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model})
	}
	if p, ok := c.provider(c.Provider); ok {
		add(c.Provider, p)
	}
	if c.Provider != "anthropic" && c.Anthropic.APIKey != "" {
		add("anthropic", c.Anthropic)
	}
	if c.Provider != "openai" && c.OpenAI.APIKey != "" {
		add("openai", c.OpenAI)
	}
	for _, name := range slices.Sorted(maps.Keys(c.Providers)) {
		if name != c.Provider {
			add(name, c.Providers[name])
		}
	}
	return out
}

// EngineConfig maps the settings onto the turn engine.
func (c *Config) EngineConfig(systemPrompt string) agentloop.EngineConfig {
	ec := agentloop.DefaultEngineConfig()
	ec.Model = c.ActiveModel()
	ec.Provider = c.Provider
	ec.SystemPrompt = systemPrompt
	ec.MaxIterations = c.MaxIterations
	ec.ReasoningEffort = c.ReasoningEffort
	ec.MaxTokens = c.MaxTokens
	return ec
}

// ToolOptions maps the settings onto the builtin tools.
func (c *Config) ToolOptions() tools.Options {
	return tools.Options{
		CommandTimeout:    c.Tools.CommandTimeout,
		MaxCommandTimeout: c.Tools.MaxCommandTimeout,
		SearchURL:         c.Tools.SearchURL,
	}
}

// Redacted returns a copy with API keys masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.OpenAI.APIKey = mask(c.OpenAI.APIKey)
	out.Anthropic.APIKey = mask(c.Anthropic.APIKey)
	if c.Providers != nil {
		out.Providers = make(map[string]ProviderConfig, len(c.Providers))
		for name, p := range c.Providers {
			p.APIKey = mask(p.APIKey)
			out.Providers[name] = p
		}
	}
	return &out
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Save writes cfg to path as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
