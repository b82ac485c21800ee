package middleware

import (
	"context"
	"log/slog"

	"github.com/recera/modelkit/core"
)

// LoggingOpts configures the logging middleware.
type LoggingOpts struct {
	// Logger receives the log records. Defaults to slog.Default().
	Logger *slog.Logger
	// Level is the severity used for per-call records. Defaults to Debug.
	Level slog.Level
}

// WithLogging creates middleware that records the request both as it enters
// this entry's transform stage and as it reaches the call site, plus the
// result or error. It never alters params or results.
//
// Place the entry first in the chain to observe the caller's original
// request; its wrap hook always sees the fully transformed request.
func WithLogging(opts LoggingOpts) Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := opts.Level

	logRequest := func(ctx context.Context, stage string, req core.Request, callType core.CallType, info ModelInfo) {
		logger.Log(ctx, level, "model request",
			slog.String("stage", stage),
			slog.String("call_type", string(callType)),
			slog.String("provider", info.Provider),
			slog.String("model", info.ModelID),
			slog.Int("messages", len(req.Messages)),
			slog.Int("max_tokens", req.MaxTokens),
			slog.Bool("temperature_set", req.Temperature != nil),
		)
	}

	return Middleware{
		Name: "logging",
		TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
			logRequest(ctx, "transform", req, callType, info)
			return req, nil
		},
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			info, _ := InfoFromContext(ctx)
			logRequest(ctx, "call", req, core.CallGenerate, info)
			result, err := next(ctx, req)
			if err != nil {
				logger.Log(ctx, slog.LevelError, "model call failed",
					slog.String("call_type", string(core.CallGenerate)),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			logger.Log(ctx, level, "model call completed",
				slog.String("call_type", string(core.CallGenerate)),
				slog.String("finish_reason", string(result.FinishReason)),
				slog.Int("input_tokens", result.Usage.InputTokens),
				slog.Int("output_tokens", result.Usage.OutputTokens),
				slog.Int("text_length", len(result.Text)),
			)
			return result, nil
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			info, _ := InfoFromContext(ctx)
			logRequest(ctx, "call", req, core.CallStream, info)
			stream, err := next(ctx, req)
			if err != nil {
				logger.Log(ctx, slog.LevelError, "model stream failed",
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			logger.Log(ctx, level, "model stream opened")
			return stream, nil
		},
	}
}
