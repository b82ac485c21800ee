// Package middleware provides composable middleware for language models.
// A middleware entry bundles an optional parameter transform with optional
// call wrappers; WrapModel binds an ordered list of entries to a model,
// producing a model with the same calling contract as an unwrapped one.
package middleware

import (
	"context"

	"github.com/recera/modelkit/core"
)

// ModelInfo identifies the model a middleware entry is operating on.
type ModelInfo struct {
	Provider string
	ModelID  string
}

type modelInfoKey struct{}

// InfoFromContext returns the identity of the wrapped model handling the
// current call. WrapModel sets it before any hook runs, so built-in
// middleware can key caches and telemetry without extra plumbing.
func InfoFromContext(ctx context.Context) (ModelInfo, bool) {
	info, ok := ctx.Value(modelInfoKey{}).(ModelInfo)
	return info, ok
}

// GenerateFunc is the next stage of a generate call chain.
type GenerateFunc func(ctx context.Context, req core.Request) (*core.TextResult, error)

// StreamFunc is the next stage of a stream call chain.
type StreamFunc func(ctx context.Context, req core.Request) (core.TextStream, error)

// TransformFunc rewrites request parameters before the call is made.
// Implementations must not mutate req in place; copy-with-override via
// req.Clone and return the copy.
type TransformFunc func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error)

// Middleware is a named bundle of optional hooks. Any nil hook is a no-op
// pass-through. Entries are composed in the order the caller supplies them:
// transforms run left-to-right, and wrap hooks nest so the first entry is
// the outermost layer around the real call.
type Middleware struct {
	// Name identifies the entry in logs and telemetry.
	Name string
	// TransformParams rewrites the request before any wrap hook runs.
	TransformParams TransformFunc
	// WrapGenerate wraps single-shot generation calls.
	WrapGenerate func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error)
	// WrapStream wraps streaming generation calls.
	WrapStream func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error)
}

// Factory produces a middleware entry. Factories passed to WrapModel are
// resolved exactly once, at wrap time.
type Factory func() Middleware

// WrapOption configures WrapModel.
type WrapOption func(*wrappedModel)

// WithMiddleware appends entries to the chain in the given order.
func WithMiddleware(entries ...Middleware) WrapOption {
	return func(m *wrappedModel) {
		m.entries = append(m.entries, entries...)
	}
}

// WithFactories appends entries produced by the given factories, resolving
// each factory once.
func WithFactories(factories ...Factory) WrapOption {
	return func(m *wrappedModel) {
		for _, f := range factories {
			m.entries = append(m.entries, f())
		}
	}
}

// WithProviderOverride overrides the wrapped model's provider identity,
// which is useful for registry aliasing.
func WithProviderOverride(provider string) WrapOption {
	return func(m *wrappedModel) {
		m.provider = provider
	}
}

// WithModelIDOverride overrides the wrapped model's model identifier.
func WithModelIDOverride(modelID string) WrapOption {
	return func(m *wrappedModel) {
		m.modelID = modelID
	}
}

// wrappedModel routes every call through the configured middleware chain.
type wrappedModel struct {
	base     core.LanguageModel
	entries  []Middleware
	provider string
	modelID  string
}

// WrapModel binds a model to an ordered middleware chain. The returned model
// satisfies core.LanguageModel, so wrapped models can themselves be wrapped.
//
// Failure semantics: an error from any TransformParams or wrap hook aborts
// the call and propagates unchanged. The wrapper itself makes exactly one
// underlying call per invocation; a wrap hook that retries internally is
// opaque to the wrapper.
func WrapModel(base core.LanguageModel, opts ...WrapOption) core.LanguageModel {
	m := &wrappedModel{base: base}
	for _, opt := range opts {
		opt(m)
	}
	if m.provider == "" {
		m.provider = base.Provider()
	}
	if m.modelID == "" {
		m.modelID = base.ModelID()
	}
	return m
}

func (m *wrappedModel) Provider() string { return m.provider }
func (m *wrappedModel) ModelID() string  { return m.modelID }

// transform applies every entry's TransformParams strictly left-to-right.
func (m *wrappedModel) transform(ctx context.Context, req core.Request, callType core.CallType) (core.Request, error) {
	info := ModelInfo{Provider: m.provider, ModelID: m.modelID}
	for _, entry := range m.entries {
		if entry.TransformParams == nil {
			continue
		}
		var err error
		req, err = entry.TransformParams(ctx, req, callType, info)
		if err != nil {
			return core.Request{}, err
		}
	}
	return req, nil
}

// GenerateText implements core.LanguageModel.
func (m *wrappedModel) GenerateText(ctx context.Context, req core.Request) (*core.TextResult, error) {
	ctx = context.WithValue(ctx, modelInfoKey{}, ModelInfo{Provider: m.provider, ModelID: m.modelID})
	req, err := m.transform(ctx, req, core.CallGenerate)
	if err != nil {
		return nil, err
	}

	next := m.base.GenerateText
	// Compose in reverse so entry 0 ends up outermost.
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].WrapGenerate == nil {
			continue
		}
		wrap := m.entries[i].WrapGenerate
		inner := next
		next = func(ctx context.Context, req core.Request) (*core.TextResult, error) {
			return wrap(ctx, req, inner)
		}
	}
	return next(ctx, req)
}

// StreamText implements core.LanguageModel.
func (m *wrappedModel) StreamText(ctx context.Context, req core.Request) (core.TextStream, error) {
	ctx = context.WithValue(ctx, modelInfoKey{}, ModelInfo{Provider: m.provider, ModelID: m.modelID})
	req, err := m.transform(ctx, req, core.CallStream)
	if err != nil {
		return nil, err
	}

	next := m.base.StreamText
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].WrapStream == nil {
			continue
		}
		wrap := m.entries[i].WrapStream
		inner := next
		next = func(ctx context.Context, req core.Request) (core.TextStream, error) {
			return wrap(ctx, req, inner)
		}
	}
	return next(ctx, req)
}
