// This file implements NDJSON (Newline Delimited JSON) streaming.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
)

// NDJSONOptions configures NDJSON streaming behavior.
type NDJSONOptions struct {
	// BufferSize for write operations
	BufferSize int
	// FlushInterval for periodic flushing
	FlushInterval time.Duration
	// Normalizer converts events to the wire format. A default one is
	// created when nil.
	Normalizer *Normalizer
}

// DefaultNDJSONOptions returns sensible defaults for NDJSON streaming.
func DefaultNDJSONOptions() NDJSONOptions {
	return NDJSONOptions{
		BufferSize:    8192,
		FlushInterval: 100 * time.Millisecond,
	}
}

// NDJSON writes a TextStream as newline-delimited JSON to an HTTP response.
// Each line carries one normalized event.
func NDJSON(w http.ResponseWriter, stream core.TextStream, opts ...NDJSONOptions) error {
	options := DefaultNDJSONOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Normalizer == nil {
		options.Normalizer = NewNormalizer("", "")
	}

	writer := &ndjsonWriter{
		w:       w,
		options: options,
	}

	return writer.Write(stream)
}

// ndjsonWriter handles NDJSON protocol details.
type ndjsonWriter struct {
	w       http.ResponseWriter
	options NDJSONOptions
	mu      sync.Mutex
	encoder *json.Encoder
	buffer  *bufio.Writer
}

// Write streams events to the HTTP response as NDJSON.
func (n *ndjsonWriter) Write(stream core.TextStream) error {
	n.setHeaders()

	flusher, ok := n.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported: ResponseWriter does not support Flusher")
	}

	n.buffer = bufio.NewWriterSize(n.w, n.options.BufferSize)
	n.encoder = json.NewEncoder(n.buffer)
	n.encoder.SetEscapeHTML(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flushDone chan struct{}
	if n.options.FlushInterval > 0 {
		flushDone = make(chan struct{})
		go n.periodicFlush(ctx, flusher, flushDone)
	}

	for event := range stream.Events() {
		if err := n.writeEvent(event); err != nil {
			return err
		}

		// Flush after each event for low latency
		n.mu.Lock()
		n.buffer.Flush()
		flusher.Flush()
		n.mu.Unlock()
	}

	if err := n.writeCompletion(); err != nil {
		return err
	}

	n.mu.Lock()
	n.buffer.Flush()
	flusher.Flush()
	n.mu.Unlock()

	if flushDone != nil {
		cancel()
		<-flushDone
	}

	return nil
}

// setHeaders sets the appropriate NDJSON headers.
func (n *ndjsonWriter) setHeaders() {
	h := n.w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable Nginx buffering
}

// periodicFlush flushes the buffer at regular intervals.
func (n *ndjsonWriter) periodicFlush(ctx context.Context, flusher http.Flusher, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(n.options.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			n.buffer.Flush()
			flusher.Flush()
			n.mu.Unlock()
		}
	}
}

// writeEvent writes a single event as a JSON line.
func (n *ndjsonWriter) writeEvent(event core.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	normalized := n.options.Normalizer.Normalize(event)
	if err := n.encoder.Encode(normalized); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

// writeCompletion writes the final completion line.
func (n *ndjsonWriter) writeCompletion() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	completion := map[string]any{
		"type":     "done",
		"finished": true,
	}

	return n.encoder.Encode(completion)
}

// NDJSONHandler creates an HTTP handler that streams model responses as NDJSON.
func NDJSONHandler(model core.LanguageModel, prepareRequest func(*http.Request) (core.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := prepareRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		req.Stream = true
		if req.RequestID == "" {
			req.RequestID = core.NewRequestID()
		}

		source, err := model.StreamText(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer source.Close()

		opts := DefaultNDJSONOptions()
		opts.Normalizer = NewNormalizer(req.RequestID, "").
			WithProvider(model.Provider()).
			WithModel(model.ModelID())

		// Headers are already sent by the time a write fails; nothing
		// useful to report to the client.
		_ = NDJSON(w, source, opts)
	}
}

// Reader provides NDJSON reading capabilities.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new NDJSON reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		scanner: bufio.NewScanner(r),
	}
}

// Read reads the next JSON object from the stream.
func (r *Reader) Read(v any) error {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}

	return json.Unmarshal(r.scanner.Bytes(), v)
}

// StreamToChannel converts an NDJSON reader of normalized events back to
// an event channel.
func StreamToChannel(ctx context.Context, r io.Reader) (<-chan core.Event, error) {
	events := make(chan core.Event, 100)
	reader := NewReader(r)

	go func() {
		defer close(events)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			var line NormalizedEvent
			if err := reader.Read(&line); err != nil {
				if err != io.EOF {
					events <- core.Event{
						Type:      core.EventError,
						Err:       err,
						Timestamp: time.Now(),
					}
				}
				return
			}

			select {
			case events <- denormalize(line):
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// denormalize converts a normalized wire event back to a core.Event.
func denormalize(line NormalizedEvent) core.Event {
	event := core.Event{
		Timestamp: time.UnixMilli(line.Timestamp),
	}
	if line.Timestamp == 0 {
		event.Timestamp = time.Now()
	}

	switch line.Type {
	case EventTypeStart:
		event.Type = core.EventStart
	case EventTypeTextDelta:
		event.Type = core.EventTextDelta
		event.TextDelta = line.Text
	case EventTypeReasoningDelta:
		event.Type = core.EventReasoningDelta
		event.TextDelta = line.Text
	case EventTypeToolCall:
		event.Type = core.EventToolCall
		event.ToolID = line.CallID
		if line.ToolCall != nil {
			event.ToolName = line.ToolCall.Name
			event.ToolInput = line.ToolCall.Input
		}
	case EventTypeToolResult:
		event.Type = core.EventToolResult
		event.ToolID = line.CallID
		event.ToolResult = line.ToolResult
	case EventTypeFinish:
		event.Type = core.EventFinish
		event.FinishReason = core.FinishReason(line.FinishReason)
		if line.Usage != nil {
			event.Usage = &core.Usage{
				InputTokens:       line.Usage.InputTokens,
				OutputTokens:      line.Usage.OutputTokens,
				TotalTokens:       line.Usage.TotalTokens,
				ReasoningTokens:   line.Usage.ReasoningTokens,
				CachedInputTokens: line.Usage.CachedInputTokens,
			}
		}
	case EventTypeError:
		event.Type = core.EventError
		if line.Error != nil {
			event.Err = fmt.Errorf("%s", line.Error.Message)
		}
	default:
		event.Type = core.EventRaw
		event.Raw = line
	}

	return event
}

// NDJSONWriter provides a low-level NDJSON writer.
type NDJSONWriter struct {
	w       io.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewNDJSONWriter creates a new NDJSON writer.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &NDJSONWriter{
		w:       w,
		encoder: encoder,
	}
}

// Write writes a value as a JSON line.
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(v)
}
