package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recera/modelkit/core"
)

// mockModel is a scriptable LanguageModel for middleware tests.
type mockModel struct {
	provider      string
	modelID       string
	generateFn    func(ctx context.Context, req core.Request) (*core.TextResult, error)
	streamFn      func(ctx context.Context, req core.Request) (core.TextStream, error)
	generateCalls atomic.Int64
	streamCalls   atomic.Int64

	lastGenerateReq core.Request
	lastStreamReq   core.Request
}

func (m *mockModel) Provider() string {
	if m.provider == "" {
		return "mock"
	}
	return m.provider
}

func (m *mockModel) ModelID() string {
	if m.modelID == "" {
		return "mock-model"
	}
	return m.modelID
}

func (m *mockModel) GenerateText(ctx context.Context, req core.Request) (*core.TextResult, error) {
	n := m.generateCalls.Add(1)
	m.lastGenerateReq = req
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return &core.TextResult{
		Text:         fmt.Sprintf("Mock response #%d", n),
		FinishReason: core.FinishStop,
		Usage:        core.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}, nil
}

func (m *mockModel) StreamText(ctx context.Context, req core.Request) (core.TextStream, error) {
	m.streamCalls.Add(1)
	m.lastStreamReq = req
	if m.streamFn != nil {
		return m.streamFn(ctx, req)
	}
	return newMockStream(
		core.Event{Type: core.EventStart, Timestamp: time.Now()},
		core.Event{Type: core.EventTextDelta, TextDelta: "Hello ", Timestamp: time.Now()},
		core.Event{Type: core.EventTextDelta, TextDelta: "world", Timestamp: time.Now()},
		core.Event{Type: core.EventFinish, FinishReason: core.FinishStop, Usage: &core.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}, Timestamp: time.Now()},
	), nil
}

// mockStream replays a fixed event sequence.
type mockStream struct {
	events chan core.Event
	closed atomic.Bool
}

func newMockStream(events ...core.Event) *mockStream {
	ch := make(chan core.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &mockStream{events: ch}
}

func (s *mockStream) Events() <-chan core.Event { return s.events }

func (s *mockStream) Close() error {
	s.closed.Store(true)
	return nil
}

func userRequest(text string) core.Request {
	return core.Request{
		Messages: []core.Message{
			{Role: core.User, Parts: []core.Part{core.Text{Text: text}}},
		},
	}
}

func drain(t *testing.T, stream core.TextStream) []core.Event {
	t.Helper()
	defer stream.Close()
	var events []core.Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	return events
}

func TestWrapModelIdentity(t *testing.T) {
	base := &mockModel{provider: "openai", modelID: "gpt-4o"}

	wrapped := WrapModel(base)
	if wrapped.Provider() != "openai" || wrapped.ModelID() != "gpt-4o" {
		t.Errorf("identity = %s/%s, want base identity", wrapped.Provider(), wrapped.ModelID())
	}

	aliased := WrapModel(base,
		WithProviderOverride("router"),
		WithModelIDOverride("smart"),
	)
	if aliased.Provider() != "router" || aliased.ModelID() != "smart" {
		t.Errorf("identity = %s/%s, want override", aliased.Provider(), aliased.ModelID())
	}
}

func TestTransformOrderLeftToRight(t *testing.T) {
	appendMarker := func(name string) Middleware {
		return Middleware{
			Name: name,
			TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
				out := req.Clone()
				if out.Metadata == nil {
					out.Metadata = map[string]any{}
				}
				order, _ := out.Metadata["order"].(string)
				out.Metadata["order"] = order + name
				return out, nil
			},
		}
	}

	var seen string
	base := &mockModel{
		generateFn: func(ctx context.Context, req core.Request) (*core.TextResult, error) {
			seen, _ = req.Metadata["order"].(string)
			return &core.TextResult{Text: "ok"}, nil
		},
	}

	wrapped := WrapModel(base, WithMiddleware(appendMarker("a"), appendMarker("b"), appendMarker("c")))
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if seen != "abc" {
		t.Errorf("transform order = %q, want abc", seen)
	}
}

func TestTransformSeesCallType(t *testing.T) {
	var got []core.CallType
	entry := Middleware{
		Name: "witness",
		TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
			got = append(got, callType)
			return req, nil
		},
	}

	wrapped := WrapModel(&mockModel{}, WithMiddleware(entry))
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	stream, err := wrapped.StreamText(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, stream)

	if len(got) != 2 || got[0] != core.CallGenerate || got[1] != core.CallStream {
		t.Errorf("call types = %v", got)
	}
}

func TestWrapNestingFirstEntryOutermost(t *testing.T) {
	var trace []string
	bracket := func(name string) Middleware {
		return Middleware{
			Name: name,
			WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
				trace = append(trace, name+":pre")
				result, err := next(ctx, req)
				trace = append(trace, name+":post")
				return result, err
			},
		}
	}

	wrapped := WrapModel(&mockModel{}, WithMiddleware(bracket("outer"), bracket("inner")))
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}

	want := []string{"outer:pre", "inner:pre", "inner:post", "outer:post"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestFactoriesResolvedOnceAtWrapTime(t *testing.T) {
	var resolved atomic.Int64
	factory := func() Middleware {
		resolved.Add(1)
		return Middleware{Name: "counted"}
	}

	wrapped := WrapModel(&mockModel{}, WithFactories(factory))
	if resolved.Load() != 1 {
		t.Fatalf("factory resolved %d times at wrap, want 1", resolved.Load())
	}

	for i := 0; i < 3; i++ {
		if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
			t.Fatal(err)
		}
	}
	if resolved.Load() != 1 {
		t.Errorf("factory resolved %d times after calls, want 1", resolved.Load())
	}
}

func TestTransformErrorAborts(t *testing.T) {
	sentinel := errors.New("transform failed")
	entry := Middleware{
		Name: "failing",
		TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
			return core.Request{}, sentinel
		},
	}

	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(entry))
	_, err := wrapped.GenerateText(context.Background(), userRequest("hi"))
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel unchanged", err)
	}
	if base.generateCalls.Load() != 0 {
		t.Error("underlying call should not run after transform failure")
	}
}

func TestWrapErrorPropagatesUnchanged(t *testing.T) {
	sentinel := core.NewAIError(core.ErrorCategoryAuth, "mock", "denied")
	base := &mockModel{
		generateFn: func(ctx context.Context, req core.Request) (*core.TextResult, error) {
			return nil, sentinel
		},
	}
	passthrough := Middleware{
		Name: "passthrough",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			return next(ctx, req)
		},
	}

	wrapped := WrapModel(base, WithMiddleware(passthrough))
	_, err := wrapped.GenerateText(context.Background(), userRequest("hi"))
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel unchanged", err)
	}
}

func TestInfoFromContextAvailableInHooks(t *testing.T) {
	var info ModelInfo
	var ok bool
	entry := Middleware{
		Name: "witness",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			info, ok = InfoFromContext(ctx)
			return next(ctx, req)
		},
	}

	wrapped := WrapModel(&mockModel{provider: "groq", modelID: "llama"}, WithMiddleware(entry))
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if !ok || info.Provider != "groq" || info.ModelID != "llama" {
		t.Errorf("info = %+v, ok = %v", info, ok)
	}
}

func TestWrappedModelCanBeRewrapped(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return Middleware{
			Name: name,
			WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
				trace = append(trace, name)
				return next(ctx, req)
			},
		}
	}

	inner := WrapModel(&mockModel{}, WithMiddleware(mark("inner")))
	outer := WrapModel(inner, WithMiddleware(mark("outer")))

	if _, err := outer.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if len(trace) != 2 || trace[0] != "outer" || trace[1] != "inner" {
		t.Errorf("trace = %v", trace)
	}
}

func TestGenerateMakesExactlyOneUnderlyingCall(t *testing.T) {
	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(
		WithDefaults(DefaultsOpts{MaxTokens: 50}),
		Middleware{Name: "noop"},
	))

	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if base.generateCalls.Load() != 1 {
		t.Errorf("underlying calls = %d, want 1", base.generateCalls.Load())
	}
}
