package llm

import "testing"

func TestGetModelInfo(t *testing.T) {
	tests := []struct {
		id       string
		expected string
		provider string
	}{
		{"claude-sonnet-4-5", "claude-sonnet-4-5", "anthropic"},
		{"sonnet", "claude-sonnet-4-5", "anthropic"},
		{"gpt5", "gpt-5.2", "openai"},
		{"llama3.1", "llama3.1", "ollama"},
	}
	for _, tt := range tests {
		info := GetModelInfo(tt.id)
		if info == nil {
			t.Fatalf("%s: expected catalog entry", tt.id)
		}
		if info.ID != tt.expected || info.Provider != tt.provider {
			t.Errorf("%s: got %s/%s", tt.id, info.Provider, info.ID)
		}
	}
	if GetModelInfo("no-such-model") != nil {
		t.Error("expected nil for unknown model")
	}
}

func TestResolveModel(t *testing.T) {
	if got := ResolveModel("haiku"); got != "claude-haiku-4-5" {
		t.Errorf("expected alias to resolve, got %q", got)
	}
	if got := ResolveModel("custom-model"); got != "custom-model" {
		t.Errorf("expected unknown id to pass through, got %q", got)
	}
}

func TestListModels(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	for _, m := range ListModels("openai") {
		if m.Provider != "openai" {
			t.Errorf("unexpected provider %q in openai listing", m.Provider)
		}
	}
}

func TestDefaultModel(t *testing.T) {
	if m := DefaultModel("anthropic"); m == nil || m.ID != "claude-sonnet-4-5" {
		t.Errorf("unexpected anthropic default %+v", m)
	}
	if DefaultModel("nobody") != nil {
		t.Error("expected nil for unknown provider")
	}
}
