package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicAdapter talks to the Anthropic messages API with anthropic-sdk-go.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAdapter creates an adapter. baseURL may be empty.
func NewAnthropicAdapter(apiKey, baseURL, model string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	if model == "" {
		if info := DefaultModel("anthropic"); info != nil {
			model = info.ID
		}
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 8192,
	}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete drains a stream into a single response; the messages API has no
// cheaper non-streaming path for long tool-using turns.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := NewStreamAccumulator()
	for ev := range ch {
		if ev.Type == StreamError {
			return nil, ev.Error
		}
		acc.Process(ev)
	}
	if err := ctx.Err(); err != nil {
		return nil, &AbortError{SDKError: SDKError{Message: "request aborted", Cause: err}}
	}
	return acc.Response(), nil
}

// Stream sends a streaming messages request.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)

		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		send(ctx, ch, StreamEvent{Type: StreamStart})

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: &StreamProtocolError{SDKError: SDKError{Message: "accumulate anthropic event", Cause: err}}})
				return
			}

			var out StreamEvent
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out = StreamEvent{Type: TextDelta, Delta: delta.Text}
				case anthropic.ThinkingDelta:
					out = StreamEvent{Type: ReasoningDelta, ReasoningDelta: delta.Thinking}
				case anthropic.SignatureDelta:
					out = StreamEvent{Type: ReasoningDelta, Signature: delta.Signature}
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					out = StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: block.ID, Name: block.Name}}
				}
			}
			if out.Type == "" || (out.Delta == "" && out.ReasoningDelta == "" && out.Signature == "" && out.ToolCall == nil) {
				continue
			}
			if !send(ctx, ch, out) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamEvent{Type: StreamError, Error: classifySDKError(a.Name(), err)})
			return
		}

		resp := a.buildResponse(message)
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

func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	system, rest := req.SplitSystem()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = buildAnthropicTools(req.ToolDefs)
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 && thinkingAllowed(params.Messages) {
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + 4096
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 2048
	case "medium":
		return 8192
	case "high":
		return 24000
	default:
		return 0
	}
}

// buildAnthropicMessages maps unified messages onto message params. Consecutive
// tool results are merged into one user message, as the API requires.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.TextContent())))
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				pendingResults = append(pendingResults, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
		case RoleAssistant:
			flush()
			if blocks := buildAssistantBlocks(msg); len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return out
}

// buildAssistantBlocks puts signed thinking first, as the API requires. The
// <thinking> text rendering of a signed block is dropped so the reasoning is
// not sent twice.
func buildAssistantBlocks(msg Message) []anthropic.ContentBlockParamUnion {
	var thinking, rest []anthropic.ContentBlockParamUnion
	var signed []string
	for _, part := range msg.Content {
		if part.Kind == ContentThinking && part.Thinking != nil && part.Thinking.Signature != "" {
			thinking = append(thinking, anthropic.NewThinkingBlock(part.Thinking.Signature, part.Thinking.Text))
			signed = append(signed, part.Thinking.Text)
		}
	}
	for _, part := range msg.Content {
		switch part.Kind {
		case ContentText:
			text := part.Text
			for _, s := range signed {
				text = strings.Replace(text, "<thinking>"+s+"</thinking>", "", 1)
			}
			if len(signed) > 0 {
				text = strings.Trim(text, "\n")
			}
			if text != "" {
				rest = append(rest, anthropic.NewTextBlock(text))
			}
		case ContentToolCall:
			if part.ToolCall != nil {
				rest = append(rest, anthropic.NewToolUseBlock(part.ToolCall.ID, ObjectArguments(part.ToolCall.Arguments), part.ToolCall.Name))
			}
		}
	}
	return append(thinking, rest...)
}

// thinkingAllowed reports whether extended thinking can be enabled for these
// messages. The API rejects a request whose last assistant message uses a
// tool without leading with a thinking block, which happens when the earlier
// round ran without thinking or on another provider.
func thinkingAllowed(msgs []anthropic.MessageParam) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != anthropic.MessageParamRoleAssistant {
			continue
		}
		blocks := msgs[i].Content
		usesTool := false
		for _, b := range blocks {
			if b.OfToolUse != nil {
				usesTool = true
			}
		}
		if !usesTool {
			return true
		}
		return len(blocks) > 0 && (blocks[0].OfThinking != nil || blocks[0].OfRedactedThinking != nil)
	}
	return true
}


func buildAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: def.Parameters["properties"],
			Required:   schemaRequired(def.Parameters),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (a *AnthropicAdapter) buildResponse(msg anthropic.Message) *Response {
	var content []ContentPart
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			content = append(content, ThinkingPart(variant.Thinking, variant.Signature))
		case anthropic.TextBlock:
			if variant.Text != "" {
				content = append(content, TextPart(variant.Text))
			}
		case anthropic.ToolUseBlock:
			content = append(content, ToolCallPart(variant.ID, variant.Name, ObjectArguments(variant.Input)))
		}
	}

	raw := string(msg.StopReason)
	reason := "other"
	switch msg.StopReason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		reason = "stop"
	case anthropic.StopReasonMaxTokens:
		reason = "length"
	case anthropic.StopReasonToolUse:
		reason = "tool_calls"
	}

	u := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	if v := int(msg.Usage.CacheReadInputTokens); v > 0 {
		u.CacheReadTokens = &v
	}
	if v := int(msg.Usage.CacheCreationInputTokens); v > 0 {
		u.CacheWriteTokens = &v
	}

	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: FinishReason{Reason: reason, Raw: raw},
		Usage:        u,
	}
}
