package middleware

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/recera/modelkit/core"
)

// SafetyOpts configures the safety middleware for content filtering and
// redaction.
type SafetyOpts struct {
	// BlockPatterns are regex patterns that block requests/responses on match.
	BlockPatterns []string
	// RedactPatterns are regex patterns for content that should be redacted.
	RedactPatterns []string
	// RedactReplacement replaces redacted content (default "[REDACTED]").
	RedactReplacement string
	// BlockWords are exact words/phrases that block content, matched
	// case-insensitively.
	BlockWords []string
	// MaxContentLength limits the length of any single text part or
	// response (0 = no limit).
	MaxContentLength int
	// TransformRequest replaces the built-in message filtering when set.
	TransformRequest func([]core.Message) ([]core.Message, error)
	// TransformResponse replaces the built-in response filtering when set.
	TransformResponse func(string) (string, error)
	// OnBlocked is called when content is blocked.
	OnBlocked func(reason string, content string)
	// OnRedacted is called when content is redacted.
	OnRedacted func(pattern string, count int)
}

// DefaultSafetyOpts returns safety options preloaded with common PII
// redaction patterns.
func DefaultSafetyOpts() SafetyOpts {
	return SafetyOpts{
		RedactPatterns: []string{
			`\b\d{3}-\d{2}-\d{4}\b`, // SSN
			`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`,              // email
			`\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`, // phone
			`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`, // credit card
		},
		RedactReplacement: "[REDACTED]",
	}
}

// safetyFilter holds the compiled rule set shared by all hooks.
type safetyFilter struct {
	opts            SafetyOpts
	blockRegexps    []*regexp.Regexp
	redactRegexps   []*regexp.Regexp
	blockWordsLower []string
}

// WithSafety creates middleware that blocks and redacts content on both
// the request and response paths. Request filtering runs in the transform
// phase, so a block aborts before the underlying call; response text is
// filtered after generation, and stream deltas are redacted as they pass
// with the block check applied to the accumulated text at finish.
func WithSafety(opts SafetyOpts) Middleware {
	if opts.RedactReplacement == "" {
		opts.RedactReplacement = "[REDACTED]"
	}

	f := &safetyFilter{opts: opts}
	// Invalid patterns are skipped rather than failing construction.
	for _, pattern := range opts.BlockPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			f.blockRegexps = append(f.blockRegexps, re)
		}
	}
	for _, pattern := range opts.RedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			f.redactRegexps = append(f.redactRegexps, re)
		}
	}
	for _, word := range opts.BlockWords {
		f.blockWordsLower = append(f.blockWordsLower, strings.ToLower(word))
	}

	return Middleware{
		Name: "safety",
		TransformParams: func(ctx context.Context, req core.Request, callType core.CallType, info ModelInfo) (core.Request, error) {
			filtered, err := f.filterMessages(req.Messages)
			if err != nil {
				return core.Request{}, err
			}
			out := req.Clone()
			out.Messages = filtered
			return out, nil
		},
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			result, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			text, err := f.filterResponse(result.Text)
			if err != nil {
				return nil, err
			}
			result.Text = text
			return result, nil
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			source, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			return newSafetyStream(source, f), nil
		},
	}
}

// checkBlocked reports whether content trips a block rule.
func (f *safetyFilter) checkBlocked(content string) error {
	for _, re := range f.blockRegexps {
		if re.MatchString(content) {
			return f.blocked(fmt.Sprintf("blocked pattern: %s", re.String()), content)
		}
	}

	contentLower := strings.ToLower(content)
	for i, word := range f.blockWordsLower {
		if strings.Contains(contentLower, word) {
			return f.blocked(fmt.Sprintf("blocked word: %s", f.opts.BlockWords[i]), content)
		}
	}

	if f.opts.MaxContentLength > 0 && len(content) > f.opts.MaxContentLength {
		return f.blocked(fmt.Sprintf("content length %d exceeds maximum %d", len(content), f.opts.MaxContentLength), content)
	}

	return nil
}

func (f *safetyFilter) blocked(reason, content string) error {
	if f.opts.OnBlocked != nil {
		f.opts.OnBlocked(reason, content)
	}
	return core.NewAIError(core.ErrorCategoryContentFilter, "middleware", reason)
}

// redactContent applies the redaction patterns to content.
func (f *safetyFilter) redactContent(content string) string {
	redacted := content
	for _, re := range f.redactRegexps {
		matches := re.FindAllString(redacted, -1)
		if len(matches) > 0 {
			redacted = re.ReplaceAllString(redacted, f.opts.RedactReplacement)
			if f.opts.OnRedacted != nil {
				f.opts.OnRedacted(re.String(), len(matches))
			}
		}
	}
	return redacted
}

// filterMessages checks and redacts the text parts of request messages.
func (f *safetyFilter) filterMessages(messages []core.Message) ([]core.Message, error) {
	if f.opts.TransformRequest != nil {
		return f.opts.TransformRequest(messages)
	}

	filtered := make([]core.Message, 0, len(messages))
	for _, msg := range messages {
		out := core.Message{
			Role:  msg.Role,
			Name:  msg.Name,
			Parts: make([]core.Part, 0, len(msg.Parts)),
		}
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case core.Text:
				if err := f.checkBlocked(p.Text); err != nil {
					return nil, err
				}
				p.Text = f.redactContent(p.Text)
				out.Parts = append(out.Parts, p)
			default:
				out.Parts = append(out.Parts, part)
			}
		}
		filtered = append(filtered, out)
	}

	return filtered, nil
}

// filterResponse checks and redacts response text.
func (f *safetyFilter) filterResponse(text string) (string, error) {
	if f.opts.TransformResponse != nil {
		return f.opts.TransformResponse(text)
	}
	if err := f.checkBlocked(text); err != nil {
		return "", err
	}
	return f.redactContent(text), nil
}

// safetyStream redacts text deltas as they pass and applies the block
// check to the accumulated text when the stream finishes. A block replaces
// the finish event with an error event.
type safetyStream struct {
	source    core.TextStream
	filter    *safetyFilter
	events    chan core.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSafetyStream(source core.TextStream, filter *safetyFilter) *safetyStream {
	s := &safetyStream{
		source: source,
		filter: filter,
		events: make(chan core.Event),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *safetyStream) run() {
	defer close(s.events)

	var text strings.Builder
	for ev := range s.source.Events() {
		if ev.Type == core.EventTextDelta {
			text.WriteString(ev.TextDelta)
			ev.TextDelta = s.filter.redactContent(ev.TextDelta)
		}
		if ev.Type == core.EventFinish {
			if err := s.filter.checkBlocked(text.String()); err != nil {
				s.emit(core.Event{Type: core.EventError, Err: err, Timestamp: ev.Timestamp})
				return
			}
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *safetyStream) emit(ev core.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *safetyStream) Events() <-chan core.Event { return s.events }

func (s *safetyStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.source.Close()
}
