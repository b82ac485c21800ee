package middleware

import (
	"context"

	"github.com/recera/modelkit/core"
)

// DefaultsOpts configures the default-settings middleware.
type DefaultsOpts struct {
	// Temperature is applied only when the caller left it unset.
	Temperature *float32
	// MaxTokens is applied only when the caller left it zero.
	MaxTokens int
	// SystemPrompt is inserted as a system message at index 0 when the
	// request contains no system message.
	SystemPrompt string
}

// WithDefaults creates middleware that fills parameters the caller did not
// explicitly set. Caller-supplied values are never overwritten.
func WithDefaults(opts DefaultsOpts) Middleware {
	return Middleware{
		Name: "defaults",
		TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
			out := req.Clone()

			if out.Temperature == nil && opts.Temperature != nil {
				t := *opts.Temperature
				out.Temperature = &t
			}
			if out.MaxTokens == 0 && opts.MaxTokens > 0 {
				out.MaxTokens = opts.MaxTokens
			}
			if opts.SystemPrompt != "" && !hasSystemMessage(out.Messages) {
				msg := core.Message{
					Role:  core.System,
					Parts: []core.Part{core.Text{Text: opts.SystemPrompt}},
				}
				out.Messages = append([]core.Message{msg}, out.Messages...)
			}

			return out, nil
		},
	}
}

func hasSystemMessage(messages []core.Message) bool {
	for _, m := range messages {
		if m.Role == core.System {
			return true
		}
	}
	return false
}
