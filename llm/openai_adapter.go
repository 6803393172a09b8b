package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter talks to the OpenAI chat completions API (and compatible
// servers via a base URL) with openai-go.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIAdapter creates an adapter. baseURL may be empty.
func NewOpenAIAdapter(apiKey, baseURL, model string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	if model == "" {
		if info := DefaultModel("openai"); info != nil {
			model = info.ID
		}
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: 8192,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req, false))
	if err != nil {
		return nil, classifySDKError(a.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, &StreamProtocolError{SDKError: SDKError{Message: "openai returned no choices"}}
	}
	choice := resp.Choices[0]
	return a.buildResponse(resp.ID, resp.Model, choice.Message.Content, choice.Message.ToolCalls, string(choice.FinishReason), resp.Usage), nil
}

// Stream sends a streaming chat completion request.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req, true)
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)

		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		send(ctx, ch, StreamEvent{Type: StreamStart})

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamEvent{Type: StreamError, Error: classifySDKError(a.Name(), err)})
			return
		}
		if len(acc.Choices) == 0 {
			send(ctx, ch, StreamEvent{Type: StreamError, Error: &StreamProtocolError{SDKError: SDKError{Message: "openai stream ended without choices"}}})
			return
		}

		choice := acc.Choices[0]
		resp := a.buildResponse(acc.ID, acc.Model, choice.Message.Content, choice.Message.ToolCalls, string(choice.FinishReason), acc.Usage)
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
	}()

	return ch, nil
}

func (a *OpenAIAdapter) buildParams(req Request, streaming bool) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := openai.ChatCompletionNewParams{
		Model:             shared.ChatModel(model),
		Messages:          buildOpenAIMessages(req.Messages),
		ParallelToolCalls: openai.Bool(false),
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = buildOpenAITools(req.ToolDefs)
	}
	if streaming {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	return params
}

func buildOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
		}
		if def.Parameters != nil {
			fn.Parameters = shared.FunctionParameters(def.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// buildOpenAIMessages maps unified messages onto chat completion params.
// Thinking parts have no chat completions equivalent and are skipped.
func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.TextContent()))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.TextContent()))
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		case RoleAssistant:
			calls := msg.ToolCalls()
			text := msg.TextContent()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
			for _, c := range calls {
				args := string(c.Arguments)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: args,
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func (a *OpenAIAdapter) buildResponse(id, model, text string, toolCalls []openai.ChatCompletionMessageToolCall, finish string, usage openai.CompletionUsage) *Response {
	var content []ContentPart
	if text != "" {
		content = append(content, TextPart(text))
	}
	for _, tc := range toolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		content = append(content, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(args)))
	}

	reason := finish
	switch finish {
	case "stop", "length", "tool_calls", "content_filter":
	case "function_call":
		reason = "tool_calls"
	default:
		reason = "other"
	}

	u := Usage{
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
	}
	if rt := int(usage.CompletionTokensDetails.ReasoningTokens); rt > 0 {
		u.ReasoningTokens = &rt
	}
	if cached := int(usage.PromptTokensDetails.CachedTokens); cached > 0 {
		u.CacheReadTokens = &cached
	}

	return &Response{
		ID:           id,
		Model:        model,
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: FinishReason{Reason: reason, Raw: finish},
		Usage:        u,
	}
}
