package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves providers that have no native adapter (ollama, mistral,
// groq, ...) through gollm. gollm exposes a text-in/text-out surface, so the
// conversation is flattened into a single prompt and tool calls travel as a
// JSON object in the response text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := DefaultModel(provider); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model configured for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Client owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text is forwarded as it arrives; tool calls
// can only be recognised once the full text is known and are reported at the end.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			send(ctx, ch, StreamEvent{Type: StreamStart})

			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			a.finish(ctx, ch, req, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		send(ctx, ch, StreamEvent{Type: StreamStart})

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			// Once a tool-call payload starts, hold the rest back; it is not prose.
			if toolPayloadStart(full.String()) >= 0 {
				continue
			}
			if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
		}
		a.finish(ctx, ch, req, full.String())
	}()

	return ch, nil
}

func (a *GollmAdapter) finish(ctx context.Context, ch chan<- StreamEvent, req Request, text string) {
	resp := a.buildResponse(req, text)
	for _, tc := range resp.ToolCalls() {
		call := tc
		if !send(ctx, ch, StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
			return
		}
	}
	send(ctx, ch, StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	})
}

const gollmToolProtocol = `When you need to call tools, reply with a single JSON object and nothing after it:
{"tool_calls":[{"name":"<tool name>","arguments":{...}}]}`

// translateRequest flattens a Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) (*gollm.Prompt, error) {
	system, rest := req.SplitSystem()

	var parts []string
	for _, msg := range rest {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			text := msg.TextContent()
			if text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			if calls := msg.ToolCalls(); len(calls) > 0 {
				payload, err := encodeToolPayload(calls)
				if err != nil {
					return nil, &InvalidRequestError{ProviderError: ProviderError{
						SDKError: SDKError{Message: "cannot replay tool calls", Cause: err},
						Provider: a.provider,
					}}
				}
				parts = append(parts, "[Assistant]: "+payload)
			}
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				prefix := "[Tool Result"
				if tr.IsError {
					prefix = "[Tool Error"
				}
				parts = append(parts, fmt.Sprintf("%s %s %s]: %s", prefix, msg.Name, tr.ToolCallID, tr.Content))
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(req.ToolDefs) > 0 {
		if system != "" {
			system += "\n\n"
		}
		system += gollmToolProtocol

		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		if req.ToolChoice != nil {
			promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
		}
	}
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var content []ContentPart
	calls := parseToolPayload(text)
	prose := text
	if len(calls) > 0 {
		prose = strings.TrimSpace(text[:toolPayloadStart(text)])
	}
	if prose != "" {
		content = append(content, TextPart(prose))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not expose provider usage; estimate at ~4 chars per token.
	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finishReason,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

func encodeToolPayload(calls []ToolCallData) (string, error) {
	type wireCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	payload := struct {
		ToolCalls []wireCall `json:"tool_calls"`
	}{}
	for _, c := range calls {
		payload.ToolCalls = append(payload.ToolCalls, wireCall{Name: c.Name, Arguments: ObjectArguments(c.Arguments)})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(data), nil
}

func toolPayloadStart(text string) int {
	return strings.Index(text, `{"tool_calls"`)
}

// parseToolPayload extracts tool calls from a {"tool_calls":[...]} object in text.
func parseToolPayload(text string) []ToolCall {
	start := toolPayloadStart(text)
	if start == -1 {
		return nil
	}
	var payload struct {
		ToolCalls []struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_calls"`
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&payload); err != nil {
		return nil
	}
	calls := make([]ToolCall, 0, len(payload.ToolCalls))
	for _, rc := range payload.ToolCalls {
		if rc.Name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm flattens provider failures into strings, so classification is textual.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				total += len(part.ToolResult.Content) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
