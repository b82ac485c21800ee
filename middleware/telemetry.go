package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
	"github.com/recera/modelkit/obs"
)

// TelemetryRecord is delivered once per wrapped call.
type TelemetryRecord struct {
	Provider string
	Model    string
	CallType core.CallType
	Duration time.Duration
	// Status is "success" or "error".
	Status string
	Err    error
	Usage  core.Usage
}

// TelemetryOpts configures the telemetry middleware.
type TelemetryOpts struct {
	// Callback receives one record per call. A panic or long-running
	// callback never affects the call's outcome; panics are swallowed.
	Callback func(TelemetryRecord)
	// Usage, when set, also feeds the collector.
	Usage *obs.UsageCollector
}

// WithTelemetry creates middleware that measures wall-clock duration,
// captures model identity and outcome, and opens an OpenTelemetry span
// around the underlying call.
//
// For generate calls the record covers the whole call. For stream calls it
// is delivered when the stream terminates, so duration includes delivery of
// every event; a stream abandoned via Close is recorded without usage.
func WithTelemetry(opts TelemetryOpts) Middleware {
	deliver := func(rec TelemetryRecord) {
		if opts.Callback == nil {
			return
		}
		defer func() {
			// Callback failures are isolated from the call result.
			_ = recover()
		}()
		opts.Callback(rec)
	}

	return Middleware{
		Name: "telemetry",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			info, _ := InfoFromContext(ctx)
			ctx, span := obs.StartRequestSpan(ctx, obs.RequestSpanOptions{
				Provider:     info.Provider,
				Model:        info.ModelID,
				CallType:     string(core.CallGenerate),
				MaxTokens:    req.MaxTokens,
				MessageCount: len(req.Messages),
			})
			defer span.End()

			obs.IncrementActiveRequests(ctx, info.Provider)
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)
			obs.DecrementActiveRequests(ctx, info.Provider)

			rec := TelemetryRecord{
				Provider: info.Provider,
				Model:    info.ModelID,
				CallType: core.CallGenerate,
				Duration: duration,
			}
			if err != nil {
				rec.Status = "error"
				rec.Err = err
				obs.RecordError(span, err, "generate failed")
				obs.RecordRequest(ctx, info.Provider, info.ModelID, false, duration)
			} else {
				rec.Status = "success"
				rec.Usage = result.Usage
				obs.RecordUsage(span, result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.TotalTokens)
				obs.RecordRequest(ctx, info.Provider, info.ModelID, true, duration)
				obs.RecordTokens(ctx, info.Provider, info.ModelID, result.Usage.InputTokens, result.Usage.OutputTokens)
				if opts.Usage != nil {
					opts.Usage.Record(ctx, info.Provider, info.ModelID, result.Usage)
				}
			}
			deliver(rec)
			return result, err
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			info, _ := InfoFromContext(ctx)
			start := time.Now()
			source, err := next(ctx, req)
			if err != nil {
				obs.RecordRequest(ctx, info.Provider, info.ModelID, false, time.Since(start))
				deliver(TelemetryRecord{
					Provider: info.Provider,
					Model:    info.ModelID,
					CallType: core.CallStream,
					Duration: time.Since(start),
					Status:   "error",
					Err:      err,
				})
				return nil, err
			}

			return newTelemetryStream(ctx, source, func(usage *core.Usage, streamErr error) {
				duration := time.Since(start)
				rec := TelemetryRecord{
					Provider: info.Provider,
					Model:    info.ModelID,
					CallType: core.CallStream,
					Duration: duration,
				}
				if streamErr != nil {
					rec.Status = "error"
					rec.Err = streamErr
					obs.RecordRequest(ctx, info.Provider, info.ModelID, false, duration)
				} else {
					rec.Status = "success"
					if usage != nil {
						rec.Usage = *usage
						obs.RecordTokens(ctx, info.Provider, info.ModelID, usage.InputTokens, usage.OutputTokens)
						if opts.Usage != nil {
							opts.Usage.Record(ctx, info.Provider, info.ModelID, *usage)
						}
					}
					obs.RecordRequest(ctx, info.Provider, info.ModelID, true, duration)
				}
				deliver(rec)
			}), nil
		},
	}
}

// telemetryStream forwards a source stream and invokes finalize exactly once
// when the stream terminates.
type telemetryStream struct {
	source    core.TextStream
	events    chan core.Event
	done      chan struct{}
	finalize  func(usage *core.Usage, err error)
	once      sync.Once
	closeOnce sync.Once
}

func newTelemetryStream(ctx context.Context, source core.TextStream, finalize func(*core.Usage, error)) *telemetryStream {
	s := &telemetryStream{
		source:   source,
		events:   make(chan core.Event),
		done:     make(chan struct{}),
		finalize: finalize,
	}
	go func() {
		defer close(s.events)
		var usage *core.Usage
		var streamErr error
		for ev := range source.Events() {
			if info, ok := InfoFromContext(ctx); ok {
				obs.RecordStreamEvent(ctx, ev.Type.String(), info.Provider)
			}
			switch ev.Type {
			case core.EventFinish:
				usage = ev.Usage
			case core.EventError:
				streamErr = ev.Err
			}
			select {
			case s.events <- ev:
			case <-s.done:
				s.once.Do(func() { s.finalize(nil, nil) })
				return
			case <-ctx.Done():
				s.once.Do(func() { s.finalize(nil, ctx.Err()) })
				return
			}
		}
		s.once.Do(func() { s.finalize(usage, streamErr) })
	}()
	return s
}

func (s *telemetryStream) Events() <-chan core.Event { return s.events }

func (s *telemetryStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	err := s.source.Close()
	s.once.Do(func() { s.finalize(nil, nil) })
	return err
}
