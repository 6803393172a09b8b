package llm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	DisplayName       string   `json:"display_name"`
	ContextWindow     int      `json:"context_window"`
	MaxOutput         int      `json:"max_output"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	Aliases           []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. The first entry for each provider is
// that provider's default.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384, SupportsReasoning: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 32768, SupportsReasoning: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192,
		Aliases: []string{"haiku"},
	},

	// OpenAI
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 400000, MaxOutput: 32768, SupportsReasoning: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 400000, MaxOutput: 16384, SupportsReasoning: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: 32768,
	},

	// Served through gollm.
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1 (Ollama)",
		ContextWindow: 128000, MaxOutput: 4096,
	},
	{
		ID: "mistral-large-latest", Provider: "mistral", DisplayName: "Mistral Large",
		ContextWindow: 128000, MaxOutput: 8192,
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ResolveModel maps an alias to its canonical id. Unknown ids pass through.
func ResolveModel(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ID
	}
	return modelID
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default model for a provider, or nil if the
// provider has no catalog entries.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}
