package core

import (
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func float32Ptr(v float32) *float32 { return &v }

func TestAddUsage(t *testing.T) {
	tests := []struct {
		name string
		a, b Usage
		want Usage
	}{
		{
			name: "basic addition",
			a:    Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
			b:    Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
			want: Usage{InputTokens: 15, OutputTokens: 25, TotalTokens: 40},
		},
		{
			name: "nil optional plus value keeps value",
			a:    Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
			b:    Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10, ReasoningTokens: intPtr(3)},
			want: Usage{InputTokens: 15, OutputTokens: 25, TotalTokens: 40, ReasoningTokens: intPtr(3)},
		},
		{
			name: "both optionals present",
			a:    Usage{ReasoningTokens: intPtr(4), CachedInputTokens: intPtr(100)},
			b:    Usage{ReasoningTokens: intPtr(6)},
			want: Usage{ReasoningTokens: intPtr(10), CachedInputTokens: intPtr(100)},
		},
		{
			name: "both optionals absent stay absent",
			a:    Usage{InputTokens: 1},
			b:    Usage{OutputTokens: 2},
			want: Usage{InputTokens: 1, OutputTokens: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddUsage(tt.a, tt.b)
			assertUsageEqual(t, got, tt.want)

			// Addition is commutative.
			assertUsageEqual(t, AddUsage(tt.b, tt.a), tt.want)
		})
	}
}

func TestAddUsageAssociative(t *testing.T) {
	a := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	b := Usage{InputTokens: 4, OutputTokens: 5, TotalTokens: 9, ReasoningTokens: intPtr(7)}
	c := Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20, CachedInputTokens: intPtr(2)}

	left := AddUsage(AddUsage(a, b), c)
	right := AddUsage(a, AddUsage(b, c))
	assertUsageEqual(t, left, right)
}

func assertUsageEqual(t *testing.T, got, want Usage) {
	t.Helper()
	if got.InputTokens != want.InputTokens || got.OutputTokens != want.OutputTokens || got.TotalTokens != want.TotalTokens {
		t.Errorf("usage counts = %d/%d/%d, want %d/%d/%d",
			got.InputTokens, got.OutputTokens, got.TotalTokens,
			want.InputTokens, want.OutputTokens, want.TotalTokens)
	}
	if !optionalEqual(got.ReasoningTokens, want.ReasoningTokens) {
		t.Errorf("reasoning tokens = %v, want %v", fmtOptional(got.ReasoningTokens), fmtOptional(want.ReasoningTokens))
	}
	if !optionalEqual(got.CachedInputTokens, want.CachedInputTokens) {
		t.Errorf("cached input tokens = %v, want %v", fmtOptional(got.CachedInputTokens), fmtOptional(want.CachedInputTokens))
	}
}

func optionalEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtOptional(v *int) any {
	if v == nil {
		return "nil"
	}
	return *v
}

func TestRequestClone(t *testing.T) {
	req := Request{
		Model: "test-model",
		Messages: []Message{
			{Role: User, Parts: []Part{Text{Text: "hello"}}},
		},
		Temperature:     float32Ptr(0.7),
		MaxTokens:       100,
		ProviderOptions: map[string]any{"top_p": 0.9},
		Metadata:        map[string]any{"trace": "abc"},
	}

	clone := req.Clone()

	clone.Messages[0] = Message{Role: Assistant, Parts: []Part{Text{Text: "changed"}}}
	clone.ProviderOptions["top_p"] = 0.1
	clone.Metadata["trace"] = "xyz"
	*clone.Temperature = 1.5

	if req.Messages[0].Role != User {
		t.Error("clone shares message slice with original")
	}
	if req.ProviderOptions["top_p"] != 0.9 {
		t.Error("clone shares provider options map with original")
	}
	if req.Metadata["trace"] != "abc" {
		t.Error("clone shares metadata map with original")
	}
	if *req.Temperature != 0.7 {
		t.Error("clone shares temperature pointer with original")
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if !strings.HasPrefix(id, "req_") {
			t.Fatalf("request ID %q missing req_ prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{EventStart, "start"},
		{EventTextDelta, "text_delta"},
		{EventReasoningDelta, "reasoning_delta"},
		{EventToolCall, "tool_call"},
		{EventToolResult, "tool_result"},
		{EventFinish, "finish"},
		{EventError, "error"},
		{EventRaw, "raw"},
	}

	for _, tt := range tests {
		if got := tt.eventType.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}
