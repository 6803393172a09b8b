package llm

import (
	"fmt"
	"strings"
)

// ProviderSettings carries what is needed to construct one provider adapter.
type ProviderSettings struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// NewAdapter builds the adapter for a provider: native SDK adapters for openai
// and anthropic, gollm for everything else.
func NewAdapter(s ProviderSettings) (ProviderAdapter, error) {
	switch strings.ToLower(s.Name) {
	case "openai":
		if s.APIKey == "" {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "openai: missing API key"}}
		}
		return NewOpenAIAdapter(s.APIKey, s.BaseURL, s.Model), nil
	case "anthropic":
		if s.APIKey == "" {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "anthropic: missing API key"}}
		}
		return NewAnthropicAdapter(s.APIKey, s.BaseURL, s.Model), nil
	case "":
		return nil, &ConfigurationError{SDKError: SDKError{Message: "provider name is required"}}
	default:
		var opts []GollmAdapterOption
		if s.Model != "" {
			opts = append(opts, WithGollmModel(s.Model))
		}
		return NewGollmAdapter(s.Name, s.APIKey, opts...)
	}
}

// NewClientFromSettings registers an adapter for every usable provider. The
// first entry becomes the default provider. Providers that fail to construct
// are skipped; an error is returned only if none could be registered.
func NewClientFromSettings(settings []ProviderSettings, opts ...ClientOption) (*Client, error) {
	c := NewClient(opts...)
	var errs []string
	for _, s := range settings {
		adapter, err := NewAdapter(s)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		c.RegisterProvider(adapter.Name(), adapter)
	}
	if len(c.Providers()) == 0 {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model provider available (%s)", strings.Join(errs, "; ")),
		}}
	}
	return c, nil
}
