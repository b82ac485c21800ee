package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/recera/modelkit/core"
)

func TestObserveCallbacks(t *testing.T) {
	usage := &core.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}
	source := newMockStream(
		core.Event{Type: core.EventStart, Timestamp: time.Now()},
		core.Event{Type: core.EventTextDelta, TextDelta: "Hello ", Timestamp: time.Now()},
		core.Event{Type: core.EventTextDelta, TextDelta: "world", Timestamp: time.Now()},
		core.Event{Type: core.EventFinish, FinishReason: core.FinishStop, Usage: usage, Timestamp: time.Now()},
	)

	var eventCount int
	var textDeltas []string
	var finishText string
	var finishUsage *core.Usage

	observed := Observe(source, Observer{
		OnEvent: func(core.Event) { eventCount++ },
		OnText:  func(text string) { textDeltas = append(textDeltas, text) },
		OnFinish: func(text string, u *core.Usage) {
			finishText = text
			finishUsage = u
		},
	})

	got, events := collect(t, observed)

	if got != "Hello world" {
		t.Errorf("forwarded text = %q", got)
	}
	if len(events) != 4 {
		t.Errorf("forwarded %d events, want all 4", len(events))
	}
	if eventCount != 4 {
		t.Errorf("OnEvent fired %d times, want 4", eventCount)
	}
	if len(textDeltas) != 2 || textDeltas[0] != "Hello " {
		t.Errorf("OnText deltas = %v", textDeltas)
	}
	if finishText != "Hello world" {
		t.Errorf("OnFinish text = %q, want accumulated text", finishText)
	}
	if finishUsage == nil || finishUsage.TotalTokens != 7 {
		t.Errorf("OnFinish usage = %+v", finishUsage)
	}
}

func TestObserveOnError(t *testing.T) {
	sentinel := errors.New("boom")
	source := newMockStream(
		core.Event{Type: core.EventTextDelta, TextDelta: "partial", Timestamp: time.Now()},
		core.Event{Type: core.EventError, Err: sentinel, Timestamp: time.Now()},
	)

	var seen error
	observed := Observe(source, Observer{
		OnError: func(err error) { seen = err },
	})
	collect(t, observed)

	if !errors.Is(seen, sentinel) {
		t.Errorf("OnError saw %v, want sentinel", seen)
	}
}

func TestObservePanickingCallbackDoesNotBreakStream(t *testing.T) {
	source := textStream(true, "a ", "b ", "c ")

	observed := Observe(source, Observer{
		OnText: func(string) { panic("badly behaved observer") },
	})
	got, events := collect(t, observed)

	if got != "a b c " {
		t.Errorf("text = %q, panicking observer disturbed the stream", got)
	}
	if events[len(events)-1].Type != core.EventFinish {
		t.Error("finish event lost")
	}
}

func TestCollectText(t *testing.T) {
	got, err := CollectText(textStream(true, "one ", "two"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "one two" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectTextWithError(t *testing.T) {
	sentinel := errors.New("cut off")
	source := newMockStream(
		core.Event{Type: core.EventTextDelta, TextDelta: "partial", Timestamp: time.Now()},
		core.Event{Type: core.EventError, Err: sentinel, Timestamp: time.Now()},
	)

	got, err := CollectText(source)
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v", err)
	}
	if got != "partial" {
		t.Errorf("text = %q, partial content should survive", got)
	}
}

func TestCollectResult(t *testing.T) {
	usage := &core.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	source := newMockStream(
		core.Event{Type: core.EventTextDelta, TextDelta: "answer", Timestamp: time.Now()},
		core.Event{Type: core.EventToolCall, ToolID: "t1", ToolName: "search", ToolInput: []byte(`{"q":"x"}`), Timestamp: time.Now()},
		core.Event{Type: core.EventFinish, FinishReason: core.FinishToolCalls, Usage: usage, Timestamp: time.Now()},
	)

	result, err := CollectResult(source)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "answer" {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls = %+v", result.ToolCalls)
	}
	if result.FinishReason != core.FinishToolCalls {
		t.Errorf("finish reason = %v", result.FinishReason)
	}
	if result.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", result.Usage)
	}
}
