package llm

import "strings"

// StreamAccumulator folds stream events into a complete Response. Adapters use
// it to build the StreamFinish payload; consumers can use it to recover a
// response from a stream that carried no final payload.
type StreamAccumulator struct {
	text         strings.Builder
	reasoning    strings.Builder
	signature    string
	toolCalls    []ToolCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		sa.text.WriteString(event.Delta)
	case ReasoningDelta:
		sa.reasoning.WriteString(event.ReasoningDelta)
		if event.Signature != "" {
			sa.signature = event.Signature
		}
	case ToolCallEnd:
		if event.ToolCall != nil {
			sa.toolCalls = append(sa.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	}
}

// Response returns the accumulated response. A final payload delivered with
// StreamFinish takes precedence over the accumulated parts.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		return sa.response
	}

	var content []ContentPart
	if sa.reasoning.Len() > 0 || sa.signature != "" {
		content = append(content, ThinkingPart(sa.reasoning.String(), sa.signature))
	}
	if sa.text.Len() > 0 {
		content = append(content, TextPart(sa.text.String()))
	}
	for _, tc := range sa.toolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	fr := FinishReason{Reason: "stop"}
	if len(sa.toolCalls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}
