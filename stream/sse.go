// This file implements Server-Sent Events (SSE) streaming for browser clients.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
)

// SSEOptions configures SSE streaming behavior.
type SSEOptions struct {
	// HeartbeatInterval for keep-alive messages (default: 15s)
	HeartbeatInterval time.Duration
	// FlushAfterWrite forces flush after each write (default: true)
	FlushAfterWrite bool
	// RetryHintMillis is the reconnection hint sent with error events
	RetryHintMillis int
	// IncludeID adds event IDs for client-side replay
	IncludeID bool
	// Normalizer converts events to the wire format. A default one is
	// created when nil.
	Normalizer *Normalizer
}

// DefaultSSEOptions returns sensible defaults for SSE streaming.
func DefaultSSEOptions() SSEOptions {
	return SSEOptions{
		HeartbeatInterval: 15 * time.Second,
		FlushAfterWrite:   true,
		RetryHintMillis:   5000,
		IncludeID:         false,
	}
}

// SSE writes a TextStream as Server-Sent Events to an HTTP response.
// Each event's data line carries the normalized wire format.
func SSE(w http.ResponseWriter, stream core.TextStream, opts ...SSEOptions) error {
	options := DefaultSSEOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Normalizer == nil {
		options.Normalizer = NewNormalizer("", "")
	}

	writer := &sseWriter{
		w:       w,
		options: options,
	}

	return writer.Write(stream)
}

// sseWriter handles SSE protocol details.
type sseWriter struct {
	w       http.ResponseWriter
	options SSEOptions
	eventID int64
	mu      sync.Mutex
}

// Write streams events to the HTTP response.
func (s *sseWriter) Write(stream core.TextStream) error {
	s.setHeaders()

	flusher, ok := s.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported: ResponseWriter does not support Flusher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeatDone := make(chan struct{})
	go s.sendHeartbeats(ctx, flusher, heartbeatDone)

	errChan := make(chan error, 1)

	go func() {
		defer close(heartbeatDone)

		for event := range stream.Events() {
			if err := s.writeEvent(event, flusher); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return
			}
		}

		if err := s.writeCompletion(flusher); err != nil {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-heartbeatDone:
		return nil
	}
}

// setHeaders sets the appropriate SSE headers.
func (s *sseWriter) setHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable Nginx buffering
}

// sendHeartbeats sends periodic keep-alive comments.
func (s *sseWriter) sendHeartbeats(ctx context.Context, flusher http.Flusher, done chan struct{}) {
	if s.options.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": keep-alive\n\n")
			flusher.Flush()
			s.mu.Unlock()
		}
	}
}

// writeEvent writes a single event to the stream.
func (s *sseWriter) writeEvent(event core.Event, flusher http.Flusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++

	normalized := s.options.Normalizer.Normalize(event)

	if s.options.IncludeID {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", s.eventID); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", normalized.Type); err != nil {
		return err
	}

	if event.Type == core.EventError && s.options.RetryHintMillis > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n", s.options.RetryHintMillis); err != nil {
			return err
		}
	}

	data, err := normalized.JSONMarshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	if s.options.FlushAfterWrite {
		flusher.Flush()
	}

	return nil
}

// writeCompletion writes the final completion event.
func (s *sseWriter) writeCompletion(flusher http.Flusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++

	if s.options.IncludeID {
		fmt.Fprintf(s.w, "id: %d\n", s.eventID)
	}

	fmt.Fprint(s.w, "event: done\n")
	fmt.Fprint(s.w, "data: {\"finished\":true}\n\n")

	flusher.Flush()
	return nil
}

// SSEHandler creates an HTTP handler that streams model responses as SSE.
func SSEHandler(model core.LanguageModel, prepareRequest func(*http.Request) (core.Request, error)) http.HandlerFunc {
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

		opts := DefaultSSEOptions()
		opts.Normalizer = NewNormalizer(req.RequestID, "").
			WithProvider(model.Provider()).
			WithModel(model.ModelID())

		// Headers are already sent by the time a write fails; nothing
		// useful to report to the client.
		_ = SSE(w, source, opts)
	}
}

// Writer provides a low-level SSE writer interface.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter creates a new SSE writer.
func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{
		w:       w,
		flusher: flusher,
	}
}

// WriteEvent writes a raw SSE event.
func (w *Writer) WriteEvent(event, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}

	return nil
}

// WriteComment writes an SSE comment (for keep-alive).
func (w *Writer) WriteComment(comment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, ": %s\n\n", comment); err != nil {
		return err
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}

	return nil
}
