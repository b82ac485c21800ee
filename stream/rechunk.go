// Package stream provides streaming utilities for model responses.
// This file implements smooth streaming: re-segmenting text deltas with a
// pluggable chunking strategy and optional pacing delay, without altering
// total text content.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/recera/modelkit/core"
)

// ChunkingStrategy examines the buffered text and returns the next
// ready-to-emit prefix. Returning ok=false means "not enough buffered text
// to decide"; the re-chunker will call again once more input arrives.
type ChunkingStrategy func(buffer string) (chunk string, ok bool)

// ChunkByWord emits one whitespace-delimited word at a time, including the
// trailing whitespace run so concatenation reproduces the input exactly.
func ChunkByWord() ChunkingStrategy {
	return func(buffer string) (string, bool) {
		start := -1
		for i, r := range buffer {
			if unicode.IsSpace(r) {
				if start == -1 {
					start = i
				}
			} else if start != -1 {
				// First non-space after a space run: everything before it
				// is a complete word plus its whitespace.
				return buffer[:i], true
			}
		}
		return "", false
	}
}

// ChunkBySentence emits text up to and including sentence-ending
// punctuation followed by whitespace.
func ChunkBySentence() ChunkingStrategy {
	return func(buffer string) (string, bool) {
		for i, r := range buffer {
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			rest := buffer[i+1:]
			if rest == "" {
				// Terminator might be mid-abbreviation or mid-number;
				// wait for the next rune to decide.
				return "", false
			}
			j := 0
			for j < len(rest) && unicode.IsSpace(rune(rest[j])) {
				j++
			}
			if j > 0 {
				return buffer[:i+1+j], true
			}
		}
		return "", false
	}
}

// ChunkBySize emits fixed-size groups of n runes.
func ChunkBySize(n int) ChunkingStrategy {
	if n <= 0 {
		n = 1
	}
	return func(buffer string) (string, bool) {
		runes := []rune(buffer)
		if len(runes) < n {
			return "", false
		}
		return string(runes[:n]), true
	}
}

// SmoothOptions configures a smooth stream.
type SmoothOptions struct {
	// Strategy decides where to split buffered text. Defaults to ChunkByWord.
	Strategy ChunkingStrategy
	// Delay is the pause after each emitted text delta. Zero disables pacing.
	Delay time.Duration
}

// smoothStream re-segments the source's text deltas.
type smoothStream struct {
	source    core.TextStream
	events    chan core.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewSmoothStream wraps a chunk stream so its text deltas are re-emitted
// according to the chunking strategy, with an optional fixed delay between
// emissions for perceived-latency smoothing.
//
// Total text content is preserved: non-text events flush any buffered
// leftover as a final text delta before passing through, and a finish or
// error event forces a full flush even when the strategy is not ready.
// The wrapper is a one-shot consumer; closing it abandons buffered text
// without flushing.
func NewSmoothStream(source core.TextStream, opts SmoothOptions) core.TextStream {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = ChunkByWord()
	}

	s := &smoothStream{
		source: source,
		events: make(chan core.Event),
		done:   make(chan struct{}),
	}
	go s.run(strategy, opts.Delay)
	return s
}

func (s *smoothStream) run(strategy ChunkingStrategy, delay time.Duration) {
	defer close(s.events)

	var buffer strings.Builder

	// emit forwards one event, pausing afterwards when it carried text.
	// Returns false when the consumer is gone.
	emit := func(ev core.Event, pace bool) bool {
		select {
		case s.events <- ev:
		case <-s.done:
			return false
		}
		if pace && delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.done:
				return false
			}
		}
		return true
	}

	// drain extracts every ready chunk from the buffer.
	drain := func() bool {
		for {
			chunk, ok := strategy(buffer.String())
			if !ok {
				return true
			}
			if chunk == "" {
				// A strategy that reports ready but extracts nothing would
				// spin forever; treat it as not ready.
				return true
			}
			remaining := buffer.String()[len(chunk):]
			buffer.Reset()
			buffer.WriteString(remaining)
			if !emit(core.Event{Type: core.EventTextDelta, TextDelta: chunk, Timestamp: time.Now()}, true) {
				return false
			}
		}
	}

	// flush emits whatever is buffered, ready or not.
	flush := func() bool {
		if buffer.Len() == 0 {
			return true
		}
		text := buffer.String()
		buffer.Reset()
		return emit(core.Event{Type: core.EventTextDelta, TextDelta: text, Timestamp: time.Now()}, false)
	}

	for ev := range s.source.Events() {
		switch ev.Type {
		case core.EventTextDelta:
			buffer.WriteString(ev.TextDelta)
			if !drain() {
				return
			}
		case core.EventFinish, core.EventError:
			// Terminal events force a full flush so content is never
			// silently dropped.
			if !flush() {
				return
			}
			emit(ev, false)
			return
		default:
			// Non-text events pass through immediately, after flushing
			// buffered leftovers to preserve ordering.
			if !flush() {
				return
			}
			if !emit(ev, false) {
				return
			}
		}
	}

	// Source closed without a terminal event; still flush what we have.
	flush()
}

// Events implements core.TextStream.
func (s *smoothStream) Events() <-chan core.Event { return s.events }

// Close implements core.TextStream. Buffered text is abandoned, not
// flushed: the consumer is gone.
func (s *smoothStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.source.Close()
}

// Smooth is a convenience that applies smoothing to a stream produced by a
// model call.
func Smooth(ctx context.Context, model core.LanguageModel, req core.Request, opts SmoothOptions) (core.TextStream, error) {
	source, err := model.StreamText(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewSmoothStream(source, opts), nil
}
