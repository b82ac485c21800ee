package middleware

import (
	"context"
	"testing"

	"github.com/recera/modelkit/core"
)

func TestDefaultsFillOnlyUnset(t *testing.T) {
	temp := float32(0.3)
	entry := WithDefaults(DefaultsOpts{
		Temperature:  &temp,
		MaxTokens:    256,
		SystemPrompt: "You are concise.",
	})

	t.Run("unset values filled", func(t *testing.T) {
		req := userRequest("hi")
		out, err := entry.TransformParams(context.Background(), req, core.CallGenerate, ModelInfo{})
		if err != nil {
			t.Fatal(err)
		}

		if out.Temperature == nil || *out.Temperature != 0.3 {
			t.Errorf("temperature = %v, want 0.3", out.Temperature)
		}
		if out.MaxTokens != 256 {
			t.Errorf("max tokens = %d, want 256", out.MaxTokens)
		}
		if len(out.Messages) != 2 || out.Messages[0].Role != core.System {
			t.Errorf("system message not prepended: %+v", out.Messages)
		}
	})

	t.Run("caller values preserved", func(t *testing.T) {
		callerTemp := float32(0.9)
		req := core.Request{
			Temperature: &callerTemp,
			MaxTokens:   10,
			Messages: []core.Message{
				{Role: core.System, Parts: []core.Part{core.Text{Text: "existing"}}},
				{Role: core.User, Parts: []core.Part{core.Text{Text: "hi"}}},
			},
		}

		out, err := entry.TransformParams(context.Background(), req, core.CallGenerate, ModelInfo{})
		if err != nil {
			t.Fatal(err)
		}

		if *out.Temperature != 0.9 {
			t.Errorf("temperature = %v, caller value overwritten", *out.Temperature)
		}
		if out.MaxTokens != 10 {
			t.Errorf("max tokens = %d, caller value overwritten", out.MaxTokens)
		}
		if len(out.Messages) != 2 {
			t.Errorf("system message duplicated: %d messages", len(out.Messages))
		}
	})

	t.Run("original request untouched", func(t *testing.T) {
		req := userRequest("hi")
		if _, err := entry.TransformParams(context.Background(), req, core.CallGenerate, ModelInfo{}); err != nil {
			t.Fatal(err)
		}

		if req.Temperature != nil || req.MaxTokens != 0 || len(req.Messages) != 1 {
			t.Error("transform mutated the input request")
		}
	})
}

func TestDefaultsEndToEnd(t *testing.T) {
	var seen core.Request
	base := &mockModel{
		generateFn: func(ctx context.Context, req core.Request) (*core.TextResult, error) {
			seen = req
			return &core.TextResult{Text: "ok"}, nil
		},
	}

	temp := float32(0.5)
	wrapped := WrapModel(base, WithMiddleware(WithDefaults(DefaultsOpts{Temperature: &temp})))
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}

	if seen.Temperature == nil || *seen.Temperature != 0.5 {
		t.Errorf("provider saw temperature %v, want 0.5", seen.Temperature)
	}
}
