// Package core defines the fundamental types and interfaces for the modelkit
// request pipeline. It provides provider-agnostic abstractions for requests,
// results, usage accounting, and streaming events that every language model
// adapter maps into.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message participant in a conversation.
type Role string

const (
	// System represents system-level instructions or context
	System Role = "system"
	// User represents input from the user
	User Role = "user"
	// Assistant represents responses from the AI assistant
	Assistant Role = "assistant"
	// Tool represents results from tool executions
	Tool Role = "tool"
)

// Part represents a component of a multimodal message.
// It uses a sealed interface pattern for compile-time exhaustiveness.
type Part interface {
	isPart()
	// partType returns a string identifier for the part type (for JSON marshaling)
	partType() string
}

// Text represents textual content in a message.
type Text struct {
	Text string `json:"text"`
}

func (Text) isPart()          {}
func (Text) partType() string { return "text" }

// ImageURL represents an image by URL reference.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "low", "high", or "auto"
}

func (ImageURL) isPart()          {}
func (ImageURL) partType() string { return "image_url" }

// Message represents a single message in a conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Name  string `json:"name,omitempty"` // Optional participant name
}

// ToolDefinition describes a tool the model may call. The pipeline core never
// executes tools; definitions are passed through to the adapter verbatim.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CallType distinguishes the two invocation paths through the pipeline.
type CallType string

const (
	// CallGenerate is a single-shot generation call.
	CallGenerate CallType = "generate"
	// CallStream is a streaming generation call.
	CallStream CallType = "stream"
)

// Request represents a unified request to any language model.
//
// Requests are treated as immutable per call: middleware that needs to change
// parameters must work on a copy (see Clone) and return the modified copy,
// never mutate the caller's value. This keeps cache keys stable and makes
// replay safe.
type Request struct {
	// RequestID is a unique identifier for this request (auto-generated if empty)
	RequestID string `json:"request_id,omitempty"`
	// Model specifies which model to use
	Model string `json:"model,omitempty"`
	// Messages contains the conversation history
	Messages []Message `json:"messages"`
	// Temperature controls randomness. Nil means "not set by the caller";
	// default-settings middleware only fills nil values.
	Temperature *float32 `json:"temperature,omitempty"`
	// MaxTokens limits the response length (0 = provider default)
	MaxTokens int `json:"max_tokens,omitempty"`
	// Tools available for the model to call
	Tools []ToolDefinition `json:"tools,omitempty"`
	// ProviderOptions for provider-specific settings, passed through opaquely
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
	// Metadata for tracking and telemetry
	Metadata map[string]any `json:"metadata,omitempty"`
	// Stream enables streaming responses
	Stream bool `json:"stream,omitempty"`
}

// Clone returns a copy of the request with its own message, tool, and map
// storage, so a transform can modify the copy without aliasing the original.
func (r Request) Clone() Request {
	out := r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		copy(out.Messages, r.Messages)
	}
	if r.Tools != nil {
		out.Tools = make([]ToolDefinition, len(r.Tools))
		copy(out.Tools, r.Tools)
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.ProviderOptions != nil {
		out.ProviderOptions = make(map[string]any, len(r.ProviderOptions))
		for k, v := range r.ProviderOptions {
			out.ProviderOptions[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NewRequestID returns a time-ordered unique request identifier.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "req_" + uuid.NewString()
	}
	return "req_" + id.String()
}

// Usage tracks token consumption for a request.
//
// ReasoningTokens and CachedInputTokens are pointers because absence and zero
// mean different things: a provider that does not report reasoning tokens at
// all must not be summed as if it reported zero.
type Usage struct {
	InputTokens       int  `json:"input_tokens"`
	OutputTokens      int  `json:"output_tokens"`
	TotalTokens       int  `json:"total_tokens"`
	ReasoningTokens   *int `json:"reasoning_tokens,omitempty"`
	CachedInputTokens *int `json:"cached_input_tokens,omitempty"`
}

// AddUsage combines two usage records field-wise. Optional fields follow
// nil + x = x, so the operation is commutative and associative and can be
// folded over any number of calls or steps.
func AddUsage(a, b Usage) Usage {
	return Usage{
		InputTokens:       a.InputTokens + b.InputTokens,
		OutputTokens:      a.OutputTokens + b.OutputTokens,
		TotalTokens:       a.TotalTokens + b.TotalTokens,
		ReasoningTokens:   addOptional(a.ReasoningTokens, b.ReasoningTokens),
		CachedInputTokens: addOptional(a.CachedInputTokens, b.CachedInputTokens),
	}
}

func addOptional(a, b *int) *int {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	default:
		v := *a + *b
		return &v
	}
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ToolCall represents a request by the model to execute a tool.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// TextResult represents the complete result of a text generation request.
type TextResult struct {
	// Text is the final generated text
	Text string `json:"text"`
	// FinishReason explains why generation stopped
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	// ToolCalls requested by the model, if any
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Usage tracks token consumption
	Usage Usage `json:"usage"`
	// Raw contains provider-specific response data
	Raw any `json:"raw,omitempty"`
}

// EventType identifies the type of streaming event.
type EventType int

const (
	// EventStart signals the beginning of a stream
	EventStart EventType = iota
	// EventTextDelta contains incremental text
	EventTextDelta
	// EventReasoningDelta contains incremental reasoning text
	EventReasoningDelta
	// EventToolCall indicates a tool is being called
	EventToolCall
	// EventToolResult contains a tool execution result
	EventToolResult
	// EventFinish marks the end of the stream
	EventFinish
	// EventError indicates an error occurred
	EventError
	// EventRaw contains provider-specific event data
	EventRaw
)

// String returns the string representation of an EventType.
func (e EventType) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventTextDelta:
		return "text_delta"
	case EventReasoningDelta:
		return "reasoning_delta"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	case EventRaw:
		return "raw"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// Event represents a streaming event from a provider.
// Using a single struct with optional fields to minimize allocations.
//
// Adapters emit events in strict temporal order. A stream emits at most one
// EventFinish or EventError, and nothing after either.
type Event struct {
	// Type identifies the event type
	Type EventType `json:"type"`
	// TextDelta contains incremental text (EventTextDelta, EventReasoningDelta)
	TextDelta string `json:"text_delta,omitempty"`
	// ToolName being called (EventToolCall)
	ToolName string `json:"tool_name,omitempty"`
	// ToolID for the call (EventToolCall, EventToolResult)
	ToolID string `json:"tool_id,omitempty"`
	// ToolInput arguments (EventToolCall)
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	// ToolResult from execution (EventToolResult)
	ToolResult any `json:"tool_result,omitempty"`
	// Usage information (EventFinish)
	Usage *Usage `json:"usage,omitempty"`
	// FinishReason (EventFinish)
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	// Raw provider-specific data (EventRaw)
	Raw any `json:"raw,omitempty"`
	// Err contains error information (EventError)
	Err error `json:"error,omitempty"`
	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`
}

// TextStream represents a stream of events from a provider.
//
// Streams are single-consumer and forward-only: events are consumed exactly
// once and the stream is not restartable. Closing a stream releases any
// buffered state without flush guarantees.
type TextStream interface {
	// Events returns a channel of events
	Events() <-chan Event
	// Close terminates the stream
	Close() error
}

// LanguageModel is the capability every provider adapter implements and the
// only surface the pipeline core calls. The core never branches on provider
// identity; a wrapped model satisfies the same contract as a raw one.
type LanguageModel interface {
	// Provider returns the provider name, e.g. "openai".
	Provider() string
	// ModelID returns the model identifier, e.g. "gpt-4o-mini".
	ModelID() string
	// GenerateText performs a single-shot generation call.
	GenerateText(ctx context.Context, req Request) (*TextResult, error)
	// StreamText performs a streaming generation call.
	StreamText(ctx context.Context, req Request) (TextStream, error)
}
