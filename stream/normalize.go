// This file implements event normalization for a stable wire format.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/recera/modelkit/core"
)

// SchemaVersion defines the current wire format version.
const SchemaVersion = "modelkit.events.v1"

// NormalizedEventType represents event types as strings for wire format.
type NormalizedEventType string

const (
	// Stream lifecycle events
	EventTypeStart  NormalizedEventType = "start"
	EventTypeFinish NormalizedEventType = "finish"
	EventTypeError  NormalizedEventType = "error"

	// Content events
	EventTypeTextDelta      NormalizedEventType = "text.delta"
	EventTypeReasoningDelta NormalizedEventType = "reasoning.delta"

	// Tool events
	EventTypeToolCall   NormalizedEventType = "tool.call"
	EventTypeToolResult NormalizedEventType = "tool.result"

	// Provider passthrough
	EventTypeRaw NormalizedEventType = "raw"
)

// NormalizedEvent represents a normalized event for wire transmission.
// This format is stable across all providers and versions.
type NormalizedEvent struct {
	// Schema identifies the wire format version
	Schema string `json:"schema"`
	// Type identifies the event type as a string
	Type NormalizedEventType `json:"type"`
	// Timestamp when the event was created (unix millis)
	Timestamp int64 `json:"ts"`
	// Sequence number for ordering
	Sequence int64 `json:"seq,omitempty"`
	// TraceID for distributed tracing
	TraceID string `json:"trace_id,omitempty"`
	// RequestID uniquely identifies the request
	RequestID string `json:"request_id,omitempty"`
	// CallID for tool calls
	CallID string `json:"call_id,omitempty"`
	// Provider (only in start/finish events)
	Provider string `json:"provider,omitempty"`
	// Model (only in start/finish events)
	Model string `json:"model,omitempty"`

	// Text delta content
	Text string `json:"text,omitempty"`
	// Tool call information
	ToolCall *ToolCallData `json:"tool_call,omitempty"`
	// Tool result data
	ToolResult any `json:"tool_result,omitempty"`
	// Usage statistics (finish event)
	Usage *UsageData `json:"usage,omitempty"`
	// Finish reason
	FinishReason string `json:"finish_reason,omitempty"`
	// Raw provider payload
	Raw any `json:"raw,omitempty"`
	// Error information
	Error *ErrorData `json:"error,omitempty"`
}

// ToolCallData contains tool invocation details.
type ToolCallData struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// UsageData contains token usage statistics.
type UsageData struct {
	InputTokens       int  `json:"input_tokens"`
	OutputTokens      int  `json:"output_tokens"`
	TotalTokens       int  `json:"total_tokens,omitempty"`
	ReasoningTokens   *int `json:"reasoning_tokens,omitempty"`
	CachedInputTokens *int `json:"cached_input_tokens,omitempty"`
}

// ErrorData contains error information.
type ErrorData struct {
	Category   string `json:"category"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int    `json:"retry_after_s,omitempty"`
}

// Normalizer converts provider events to normalized wire format.
type Normalizer struct {
	schema    string
	traceID   string
	requestID string
	provider  string
	model     string
	sequence  atomic.Int64
}

// NewNormalizer creates a new event normalizer. An empty requestID is
// replaced with a generated one so every stream is correlatable.
func NewNormalizer(requestID, traceID string) *Normalizer {
	if requestID == "" {
		requestID = core.NewRequestID()
	}
	return &Normalizer{
		schema:    SchemaVersion,
		traceID:   traceID,
		requestID: requestID,
	}
}

// WithProvider sets the provider name for start/finish events.
func (n *Normalizer) WithProvider(provider string) *Normalizer {
	n.provider = provider
	return n
}

// WithModel sets the model name for start/finish events.
func (n *Normalizer) WithModel(model string) *Normalizer {
	n.model = model
	return n
}

// Normalize converts a core.Event to normalized wire format.
func (n *Normalizer) Normalize(event core.Event) NormalizedEvent {
	seq := n.sequence.Add(1)

	normalized := NormalizedEvent{
		Schema:    n.schema,
		Timestamp: event.Timestamp.UnixMilli(),
		Sequence:  seq,
		TraceID:   n.traceID,
		RequestID: n.requestID,
	}

	switch event.Type {
	case core.EventStart:
		normalized.Type = EventTypeStart
		normalized.Provider = n.provider
		normalized.Model = n.model

	case core.EventTextDelta:
		normalized.Type = EventTypeTextDelta
		normalized.Text = event.TextDelta

	case core.EventReasoningDelta:
		normalized.Type = EventTypeReasoningDelta
		normalized.Text = event.TextDelta

	case core.EventToolCall:
		normalized.Type = EventTypeToolCall
		normalized.CallID = event.ToolID
		normalized.ToolCall = &ToolCallData{
			Name:  event.ToolName,
			Input: event.ToolInput,
		}

	case core.EventToolResult:
		normalized.Type = EventTypeToolResult
		normalized.CallID = event.ToolID
		normalized.ToolResult = event.ToolResult

	case core.EventFinish:
		normalized.Type = EventTypeFinish
		if event.Usage != nil {
			normalized.Usage = &UsageData{
				InputTokens:       event.Usage.InputTokens,
				OutputTokens:      event.Usage.OutputTokens,
				TotalTokens:       event.Usage.TotalTokens,
				ReasoningTokens:   event.Usage.ReasoningTokens,
				CachedInputTokens: event.Usage.CachedInputTokens,
			}
		}
		normalized.FinishReason = string(event.FinishReason)
		normalized.Provider = n.provider
		normalized.Model = n.model

	case core.EventError:
		normalized.Type = EventTypeError
		if event.Err != nil {
			var aiErr *core.AIError
			if errors.As(event.Err, &aiErr) {
				normalized.Error = &ErrorData{
					Category:  aiErr.Category.String(),
					Code:      aiErr.Code,
					Message:   aiErr.Message,
					Retryable: aiErr.Retryable,
				}
				if aiErr.RetryAfter != nil {
					normalized.Error.RetryAfter = *aiErr.RetryAfter
				}
			} else {
				normalized.Error = &ErrorData{
					Category: "internal",
					Message:  event.Err.Error(),
				}
			}
		}

	case core.EventRaw:
		normalized.Type = EventTypeRaw
		normalized.Raw = event.Raw

	default:
		// Unknown event type, raw passthrough with a typed name.
		normalized.Type = NormalizedEventType(fmt.Sprintf("raw.%d", event.Type))
	}

	return normalized
}

// NormalizedStream wraps a TextStream to emit normalized events.
type NormalizedStream struct {
	source     core.TextStream
	normalizer *Normalizer
	events     chan NormalizedEvent
	done       chan struct{}
}

// NewNormalizedStream creates a stream that emits normalized events.
func NewNormalizedStream(source core.TextStream, normalizer *Normalizer) *NormalizedStream {
	ns := &NormalizedStream{
		source:     source,
		normalizer: normalizer,
		events:     make(chan NormalizedEvent, 100),
		done:       make(chan struct{}),
	}

	go ns.normalize()

	return ns
}

// normalize processes source events and emits normalized versions.
func (ns *NormalizedStream) normalize() {
	defer close(ns.events)

	for event := range ns.source.Events() {
		normalized := ns.normalizer.Normalize(event)
		select {
		case ns.events <- normalized:
		case <-ns.done:
			return
		}
	}
}

// Events returns the channel of normalized events.
func (ns *NormalizedStream) Events() <-chan NormalizedEvent {
	return ns.events
}

// Close stops the normalization process.
func (ns *NormalizedStream) Close() error {
	select {
	case <-ns.done:
		return nil
	default:
		close(ns.done)
		return ns.source.Close()
	}
}

// JSONMarshal marshals a normalized event to JSON.
// This ensures consistent field ordering and format.
func (e NormalizedEvent) JSONMarshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseNormalizedEvent parses a JSON byte slice into a NormalizedEvent.
func ParseNormalizedEvent(data []byte) (*NormalizedEvent, error) {
	var event NormalizedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to parse normalized event: %w", err)
	}
	return &event, nil
}

// ValidateSchema checks if an event has the expected schema version.
func ValidateSchema(event NormalizedEvent) error {
	if event.Type == EventTypeStart && event.Schema != SchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected %s)", event.Schema, SchemaVersion)
	}
	return nil
}
