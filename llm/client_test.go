package llm

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter. Each Stream call pops the
// next scripted event list; the last one is reused once the script runs out.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	streams  [][]StreamEvent

	mu    sync.Mutex
	calls int
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if idx >= len(m.streams) {
		idx = len(m.streams) - 1
	}
	events := m.streams[idx]
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	tests := []struct {
		name     string
		req      Request
		expected string
	}{
		{"explicit provider", Request{Model: "x", Provider: "anthropic"}, "Anthropic response"},
		{"catalog model", Request{Model: "claude-sonnet-4-5"}, "Anthropic response"},
		{"catalog alias", Request{Model: "opus"}, "Anthropic response"},
		{"default provider", Request{Model: "unknown-model"}, "OpenAI response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Messages = []Message{UserMessage("Hi")}
			resp, err := client.Complete(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Text() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, resp.Text())
			}
		})
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	_, err := client.Stream(context.Background(), Request{Provider: "nope"})
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientCompleteRetriesServerErrors(t *testing.T) {
	mock := newMockAdapter("test", "ok")
	mock.err = &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}, Retryable: true}}
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastRetry()))

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.callCount())
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		streams: [][]StreamEvent{{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		}},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != StreamStart {
		t.Errorf("expected StreamStart, got %q", events[0].Type)
	}
	if events[1].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[1].Delta)
	}
}

func TestClientStreamRetriesErrorBeforeFirstEvent(t *testing.T) {
	rateLimited := &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, Retryable: true}}
	mock := &mockAdapter{
		name: "test",
		streams: [][]StreamEvent{
			{{Type: StreamError, Error: rateLimited}},
			{{Type: TextDelta, Delta: "ok"}, {Type: StreamFinish}},
		},
	}
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastRetry()))

	ch, err := client.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var deltas string
	for ev := range ch {
		if ev.Type == StreamError {
			t.Fatalf("unexpected stream error: %v", ev.Error)
		}
		deltas += ev.Delta
	}
	if deltas != "ok" {
		t.Errorf("expected %q, got %q", "ok", deltas)
	}
	if mock.callCount() != 2 {
		t.Errorf("expected 2 stream attempts, got %d", mock.callCount())
	}
}

func TestClientStreamDoesNotRetryAfterOutput(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		streams: [][]StreamEvent{{
			{Type: TextDelta, Delta: "partial"},
			{Type: StreamError, Error: &ServerError{ProviderError: ProviderError{Retryable: true}}},
		}},
	}
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastRetry()))

	ch, err := client.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawError bool
	for ev := range ch {
		if ev.Type == StreamError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected the mid-stream error to be forwarded")
	}
	if mock.callCount() != 1 {
		t.Errorf("expected 1 stream attempt, got %d", mock.callCount())
	}
}

func TestClientStreamNonRetryableError(t *testing.T) {
	mock := &mockAdapter{
		name:    "test",
		streams: [][]StreamEvent{{{Type: StreamError, Error: &AuthenticationError{}}}},
	}
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastRetry()))

	_, err := client.Stream(context.Background(), Request{Model: "m"})
	if _, ok := err.(*AuthenticationError); !ok {
		t.Fatalf("expected AuthenticationError, got %T", err)
	}
	if mock.callCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", mock.callCount())
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("dynamic", newMockAdapter("dynamic", "dynamic response"))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestNewClientFromSettings(t *testing.T) {
	client, err := NewClientFromSettings([]ProviderSettings{
		{Name: "anthropic", APIKey: "test-key"},
		{Name: "openai", APIKey: ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	providers := client.Providers()
	if len(providers) != 1 || providers[0] != "anthropic" {
		t.Errorf("expected only anthropic registered, got %v", providers)
	}

	if _, err := NewClientFromSettings([]ProviderSettings{{Name: "openai"}}); err == nil {
		t.Error("expected error when no provider can be built")
	}
}
