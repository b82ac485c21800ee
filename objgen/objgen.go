// This file implements the structured generation engine: mode dispatch,
// text acquisition via generate or stream, and the bounded repair loop.
package objgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recera/modelkit/core"
	"github.com/recera/modelkit/obs"
)

// Mode selects how model output is interpreted.
type Mode int

const (
	// ModeObject expects a single schema instance.
	ModeObject Mode = iota
	// ModeArray expects zero or more schema instances.
	ModeArray
	// ModeEnum expects one of a fixed literal set.
	ModeEnum
	// ModeNoSchema passes raw text through without validation.
	ModeNoSchema
)

// DefaultMaxRepairAttempts bounds the repair loop when not configured.
const DefaultMaxRepairAttempts = 2

// Options configures structured generation. The zero value gives the
// default repair budget and the default repair function.
type Options struct {
	// Schema overrides the reflected schema for the target type.
	Schema Schema
	// MaxRepairAttempts bounds repair invocations. Zero means
	// DefaultMaxRepairAttempts; use DisableRepair to turn repair off.
	MaxRepairAttempts int
	// Repair transforms failing text. Nil means DefaultRepair.
	Repair RepairFunc
	// DisableRepair fails on the first parse or validation error.
	DisableRepair bool
	// DisableSchemaPrompt skips injecting the schema instruction into
	// the request's system message.
	DisableSchemaPrompt bool
}

// Result carries a validated value plus call audit data.
type Result[T any] struct {
	// Value is the schema-conformant object.
	Value T
	// RawText is the model's final accepted output, kept for audit.
	RawText string
	// RepairAttempts counts repair invocations that were needed.
	// Zero means the first candidate validated.
	RepairAttempts int
	// Usage from the underlying call.
	Usage core.Usage
	// FinishReason from the underlying call.
	FinishReason core.FinishReason
}

// NoObjectError reports that no schema-conformant object could be
// obtained within the repair budget. It is the only failure type the
// repair loop surfaces.
type NoObjectError struct {
	// RawText is the last candidate text that failed.
	RawText string
	// Attempts is the number of repair invocations made.
	Attempts int
	// Cause is the last parse or validation error.
	Cause error
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("no object generated after %d repair attempts: %v", e.Attempts, e.Cause)
}

func (e *NoObjectError) Unwrap() error {
	return e.Cause
}

// GenerateObject drives a generate call and parses the output as a
// single instance of T, repairing malformed output within the budget.
func GenerateObject[T any](ctx context.Context, model core.LanguageModel, req core.Request, opts ...Options) (*Result[T], error) {
	o := resolveOptions(opts)
	schema, err := schemaFor[T](o)
	if err != nil {
		return nil, err
	}
	return run[T](ctx, model, req, o, schema, false)
}

// StreamObject is GenerateObject over a streaming call: text deltas are
// accumulated into the candidate text before parse and validation.
func StreamObject[T any](ctx context.Context, model core.LanguageModel, req core.Request, opts ...Options) (*Result[T], error) {
	o := resolveOptions(opts)
	schema, err := schemaFor[T](o)
	if err != nil {
		return nil, err
	}
	return run[T](ctx, model, req, o, schema, true)
}

// GenerateArray parses the output as a JSON array of T.
func GenerateArray[T any](ctx context.Context, model core.LanguageModel, req core.Request, opts ...Options) (*Result[[]T], error) {
	o := resolveOptions(opts)
	schema, err := schemaFor[[]T](o)
	if err != nil {
		return nil, err
	}
	return run[[]T](ctx, model, req, o, schema, false)
}

// GenerateEnum constrains the output to one of the given values.
// Matching is normalized: surrounding whitespace and quotes are stripped
// and comparison is case-insensitive; the returned value is the
// canonical candidate, not the model's spelling.
func GenerateEnum(ctx context.Context, model core.LanguageModel, req core.Request, values []string, opts ...Options) (*Result[string], error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("enum generation requires at least one value")
	}
	o := resolveOptions(opts)

	if !o.DisableSchemaPrompt {
		req = injectSystemPrompt(req, enumInstruction(values))
	}

	validate := func(text string) (any, error) {
		if match, ok := matchEnum(text, values); ok {
			return match, nil
		}
		return nil, fmt.Errorf("output %q is not one of the allowed values", strings.TrimSpace(text))
	}

	return solve[string](ctx, model, req, o, validate, false)
}

// GenerateNoSchema returns the raw text with no validation, in the same
// result shape as the schema modes.
func GenerateNoSchema(ctx context.Context, model core.LanguageModel, req core.Request, opts ...Options) (*Result[string], error) {
	o := resolveOptions(opts)
	validate := func(text string) (any, error) { return text, nil }
	return solve[string](ctx, model, req, o, validate, false)
}

func resolveOptions(opts []Options) Options {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if o.Repair == nil {
		o.Repair = DefaultRepair
	}
	if o.DisableRepair {
		o.MaxRepairAttempts = 0
	}
	return o
}

func schemaFor[T any](o Options) (Schema, error) {
	if o.Schema != nil {
		return o.Schema, nil
	}
	return ForType[T]()
}

// run drives the model call and repair loop for JSON schema modes.
func run[T any](ctx context.Context, model core.LanguageModel, req core.Request, o Options, schema Schema, streaming bool) (*Result[T], error) {
	if !o.DisableSchemaPrompt {
		req = injectSystemPrompt(req, schemaInstruction(schema.JSONSchema()))
	}

	validate := func(text string) (any, error) {
		value, err := schema.ValidateJSON([]byte(strings.TrimSpace(text)))
		if err != nil {
			return nil, err
		}
		// Round-trip through the schema's decoded form into T. The
		// typed schema already produced a T; other Schema
		// implementations may return generic values.
		if typed, ok := value.(T); ok {
			return typed, nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var typed T
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("does not match target type: %w", err)
		}
		return typed, nil
	}

	return solve[T](ctx, model, req, o, validate, streaming)
}

// solve obtains raw text and runs the bounded repair loop.
//
// The first candidate is validated outside the budget. Each repair
// invocation consumes one attempt even when the text comes back
// unchanged, and a repair error declines further attempts. Failure is
// always *NoObjectError.
func solve[T any](ctx context.Context, model core.LanguageModel, req core.Request, o Options, validate func(string) (any, error), streaming bool) (*Result[T], error) {
	if req.RequestID == "" {
		req.RequestID = core.NewRequestID()
	}

	raw, usage, finish, err := acquireText(ctx, model, req, streaming)
	if err != nil {
		return nil, err
	}

	text := raw
	value, cause := validate(text)

	attempts := 0
	for cause != nil && attempts < o.MaxRepairAttempts {
		repaired, repairErr := o.Repair(ctx, text, cause)
		if repairErr != nil {
			// Repair declined; stop without consuming the rest of
			// the budget.
			obs.RecordRepair(obs.SpanFromContext(ctx), attempts, false)
			return nil, &NoObjectError{RawText: text, Attempts: attempts, Cause: cause}
		}
		attempts++
		text = repaired
		value, cause = validate(text)
		obs.RecordRepairAttempt(ctx, model.Provider(), model.ModelID(), cause == nil)
	}

	obs.RecordRepair(obs.SpanFromContext(ctx), attempts, cause == nil)

	if cause != nil {
		return nil, &NoObjectError{RawText: text, Attempts: attempts, Cause: cause}
	}

	typed, ok := value.(T)
	if !ok {
		return nil, &NoObjectError{RawText: text, Attempts: attempts, Cause: fmt.Errorf("validated value has unexpected type %T", value)}
	}

	return &Result[T]{
		Value:          typed,
		RawText:        text,
		RepairAttempts: attempts,
		Usage:          usage,
		FinishReason:   finish,
	}, nil
}

// acquireText obtains the model's full text output, accumulating stream
// deltas when streaming.
func acquireText(ctx context.Context, model core.LanguageModel, req core.Request, streaming bool) (string, core.Usage, core.FinishReason, error) {
	if !streaming {
		result, err := model.GenerateText(ctx, req)
		if err != nil {
			return "", core.Usage{}, "", err
		}
		return result.Text, result.Usage, result.FinishReason, nil
	}

	req.Stream = true
	source, err := model.StreamText(ctx, req)
	if err != nil {
		return "", core.Usage{}, "", err
	}
	defer source.Close()

	var text strings.Builder
	var usage core.Usage
	var finish core.FinishReason

	for ev := range source.Events() {
		switch ev.Type {
		case core.EventTextDelta:
			text.WriteString(ev.TextDelta)
		case core.EventFinish:
			finish = ev.FinishReason
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case core.EventError:
			return "", core.Usage{}, "", ev.Err
		}
	}

	return text.String(), usage, finish, nil
}

// injectSystemPrompt prepends a system message, or extends an existing
// leading system message, with the instruction.
func injectSystemPrompt(req core.Request, instruction string) core.Request {
	out := req.Clone()
	if len(out.Messages) > 0 && out.Messages[0].Role == core.System {
		// Clone shares Parts backing arrays; rebuild instead of append.
		parts := make([]core.Part, 0, len(out.Messages[0].Parts)+1)
		parts = append(parts, out.Messages[0].Parts...)
		parts = append(parts, core.Text{Text: "\n\n" + instruction})
		out.Messages[0].Parts = parts
		return out
	}
	msgs := make([]core.Message, 0, len(out.Messages)+1)
	msgs = append(msgs, core.Message{
		Role:  core.System,
		Parts: []core.Part{core.Text{Text: instruction}},
	})
	msgs = append(msgs, out.Messages...)
	out.Messages = msgs
	return out
}

func schemaInstruction(doc json.RawMessage) string {
	return "Respond with a single JSON value conforming to this JSON Schema, with no surrounding prose or markdown:\n" + string(doc)
}

func enumInstruction(values []string) string {
	return "Respond with exactly one of the following values and nothing else: " + strings.Join(values, ", ")
}

// matchEnum normalizes the model's output and compares it against the
// candidate set.
func matchEnum(text string, values []string) (string, bool) {
	normalized := strings.TrimSpace(text)
	normalized = strings.Trim(normalized, "\"'`")
	normalized = strings.TrimSpace(normalized)

	for _, v := range values {
		if strings.EqualFold(normalized, v) {
			return v, true
		}
	}
	return "", false
}
