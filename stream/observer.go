// This file implements stream observation hooks and collection helpers.
package stream

import (
	"strings"
	"sync"

	"github.com/recera/modelkit/core"
)

// Observer receives callbacks as events flow through an observed stream.
// All fields are optional. Callbacks run synchronously on the stream
// goroutine before the event is forwarded, so they see events in order;
// a panicking callback is recovered and never disturbs the stream.
type Observer struct {
	// OnEvent fires for every event.
	OnEvent func(core.Event)
	// OnText fires for each text delta with the delta content.
	OnText func(text string)
	// OnFinish fires once at the finish event with accumulated text and
	// final usage (nil when the provider reported none).
	OnFinish func(text string, usage *core.Usage)
	// OnError fires when an error event is seen.
	OnError func(err error)
}

// observedStream forwards source events, invoking observer callbacks.
type observedStream struct {
	source    core.TextStream
	events    chan core.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Observe wraps a stream so the observer's callbacks fire as events pass
// through. The returned stream carries the source's events unchanged.
func Observe(source core.TextStream, obs Observer) core.TextStream {
	s := &observedStream{
		source: source,
		events: make(chan core.Event),
		done:   make(chan struct{}),
	}
	go s.run(obs)
	return s
}

func (s *observedStream) run(obs Observer) {
	defer close(s.events)

	var text strings.Builder

	for ev := range s.source.Events() {
		notify(obs.OnEvent, ev)

		switch ev.Type {
		case core.EventTextDelta:
			text.WriteString(ev.TextDelta)
			if obs.OnText != nil {
				safeCall(func() { obs.OnText(ev.TextDelta) })
			}
		case core.EventFinish:
			if obs.OnFinish != nil {
				safeCall(func() { obs.OnFinish(text.String(), ev.Usage) })
			}
		case core.EventError:
			if obs.OnError != nil {
				safeCall(func() { obs.OnError(ev.Err) })
			}
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func notify(fn func(core.Event), ev core.Event) {
	if fn != nil {
		safeCall(func() { fn(ev) })
	}
}

// safeCall shields the stream from observer panics.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Events implements core.TextStream.
func (s *observedStream) Events() <-chan core.Event { return s.events }

// Close implements core.TextStream.
func (s *observedStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.source.Close()
}

// CollectText drains a stream and returns the concatenated text deltas.
// The stream's error event, if any, is returned after whatever text was
// accumulated before it.
func CollectText(stream core.TextStream) (string, error) {
	defer stream.Close()

	var text strings.Builder
	var streamErr error

	for ev := range stream.Events() {
		switch ev.Type {
		case core.EventTextDelta:
			text.WriteString(ev.TextDelta)
		case core.EventError:
			if streamErr == nil {
				streamErr = ev.Err
			}
		}
	}

	return text.String(), streamErr
}

// CollectResult drains a stream into a TextResult, accumulating text,
// tool calls, usage, and finish reason.
func CollectResult(stream core.TextStream) (*core.TextResult, error) {
	defer stream.Close()

	var text strings.Builder
	result := &core.TextResult{}

	for ev := range stream.Events() {
		switch ev.Type {
		case core.EventTextDelta:
			text.WriteString(ev.TextDelta)
		case core.EventToolCall:
			result.ToolCalls = append(result.ToolCalls, core.ToolCall{
				ID:    ev.ToolID,
				Name:  ev.ToolName,
				Input: ev.ToolInput,
			})
		case core.EventFinish:
			result.FinishReason = ev.FinishReason
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		case core.EventError:
			return nil, ev.Err
		}
	}

	result.Text = text.String()
	return result, nil
}
