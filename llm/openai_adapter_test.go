package llm

import (
	"encoding/json"
	"testing"

	"github.com/openai/openai-go"
)

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		SystemMessage("sys"),
		UserMessage("hi"),
		{Role: RoleAssistant, Content: []ContentPart{
			ThinkingPart("hidden", ""),
			TextPart("checking"),
			ToolCallPart("call_1", "bash", nil),
		}},
		ToolResultMessage("call_1", "bash", "ok", false),
		AssistantMessage("done"),
	})

	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil {
		t.Error("expected system then user message")
	}
	assistant := msgs[2].OfAssistant
	if assistant == nil {
		t.Fatal("expected assistant message")
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(assistant.ToolCalls))
	}
	if assistant.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("expected empty arguments to default to {}, got %q", assistant.ToolCalls[0].Function.Arguments)
	}
	if assistant.Content.OfString.Value != "checking" {
		t.Errorf("expected assistant text, got %q", assistant.Content.OfString.Value)
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "call_1" {
		t.Error("expected tool message for call_1")
	}
}

func TestOpenAIBuildResponse(t *testing.T) {
	a := &OpenAIAdapter{}
	usage := openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	usage.PromptTokensDetails.CachedTokens = 4

	resp := a.buildResponse("id1", "gpt-4.1", "", []openai.ChatCompletionMessageToolCall{{
		ID:       "call_9",
		Function: openai.ChatCompletionMessageToolCallFunction{Name: "grep", Arguments: ""},
	}}, "tool_calls", usage)

	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls, got %q", resp.FinishReason.Reason)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Errorf("unexpected calls %+v", calls)
	}
	if resp.Usage.CacheReadTokens == nil || *resp.Usage.CacheReadTokens != 4 {
		t.Errorf("expected cached tokens 4, got %v", resp.Usage.CacheReadTokens)
	}
	if resp.Usage.ReasoningTokens != nil {
		t.Error("expected no reasoning tokens")
	}
}

func TestBuildOpenAITools(t *testing.T) {
	tools := buildOpenAITools([]ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file",
		Parameters:  map[string]any{"type": "object"},
	}})
	if len(tools) != 1 || tools[0].Function.Name != "read_file" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	raw, err := json.Marshal(tools[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(raw) == 0 {
		t.Error("expected serialized tool")
	}
}
