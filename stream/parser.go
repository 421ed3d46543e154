// Package stream turns the raw text fragments of a model response into an
// ordered sequence of typed events: prose content, reasoning spans
// delimited by marker tags, tool-call intents, errors, and completion.
//
// The parser is chunk-invariant: however the input is split into
// fragments, the concatenated content events equal the input with the
// reasoning spans removed, and the concatenated thinking deltas equal the
// spans' inner text. Markers that straddle fragment boundaries are held
// back until they either complete or provably cannot match.
package stream

import "strings"

// Kind identifies an event type.
type Kind string

const (
	KindContent       Kind = "content"
	KindThinkingStart Kind = "thinking-start"
	KindThinkingDelta Kind = "thinking-delta"
	KindThinkingEnd   Kind = "thinking-end"
	KindToolCall      Kind = "tool-call"
	KindError         Kind = "error"
	KindDone          Kind = "done"
)

// ToolCall is a disambiguated tool-call payload passed through the parser.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Event is one parsed unit of the response stream.
type Event struct {
	Kind Kind
	// Text carries content for KindContent and the span delta for
	// KindThinkingDelta.
	Text string
	// Full carries the complete reasoning span on KindThinkingEnd.
	Full     string
	ToolCall *ToolCall
	Err      error
}

// Parser accumulates fragments and emits events as soon as they become
// determinable. It knows nothing about tools, sessions, or rendering.
type Parser struct {
	open  string
	close string
	emit  func(Event)

	buf        strings.Builder
	span       strings.Builder
	inThinking bool
	finished   bool
}

// NewParser creates a parser with the given marker pair. The emit callback
// receives events in stream order and must not retain the event's Text.
func NewParser(open, close string, emit func(Event)) *Parser {
	if open == "" {
		open = "<think>"
	}
	if close == "" {
		close = "</think>"
	}
	return &Parser{open: open, close: close, emit: emit}
}

// Process consumes one raw fragment and emits whatever events it makes
// determinable.
func (p *Parser) Process(fragment string) {
	if p.finished || fragment == "" {
		return
	}
	p.buf.WriteString(fragment)
	p.scan()
}

func (p *Parser) scan() {
	buf := p.buf.String()
	for {
		if p.inThinking {
			idx := strings.Index(buf, p.close)
			if idx < 0 {
				// Emit the inner text that cannot be part of a close
				// marker yet; keep the ambiguous tail buffered.
				keep := partialMarkerLen(buf, p.close)
				p.emitThinkingDelta(buf[:len(buf)-keep])
				buf = buf[len(buf)-keep:]
				break
			}
			p.emitThinkingDelta(buf[:idx])
			p.emit(Event{Kind: KindThinkingEnd, Full: p.span.String()})
			p.span.Reset()
			p.inThinking = false
			buf = buf[idx+len(p.close):]
			continue
		}

		idx := strings.Index(buf, p.open)
		if idx < 0 {
			keep := partialMarkerLen(buf, p.open)
			p.emitContent(buf[:len(buf)-keep])
			buf = buf[len(buf)-keep:]
			break
		}
		p.emitContent(buf[:idx])
		p.emit(Event{Kind: KindThinkingStart})
		p.inThinking = true
		buf = buf[idx+len(p.open):]
	}
	p.buf.Reset()
	p.buf.WriteString(buf)
}

// partialMarkerLen returns the length of the longest suffix of buf that is
// a strict prefix of marker. That suffix might still grow into the marker
// and must not be flushed.
func partialMarkerLen(buf, marker string) int {
	max := len(marker) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(buf, marker[:k]) {
			return k
		}
	}
	return 0
}

func (p *Parser) emitContent(text string) {
	if text == "" {
		return
	}
	p.emit(Event{Kind: KindContent, Text: text})
}

func (p *Parser) emitThinkingDelta(text string) {
	if text == "" {
		return
	}
	p.span.WriteString(text)
	p.emit(Event{Kind: KindThinkingDelta, Text: text})
}

// EmitToolCall flushes any buffered text in stream order and emits a
// tool-call event. The adapter delivers tool calls as structured payloads,
// so they bypass marker scanning.
func (p *Parser) EmitToolCall(tc ToolCall) {
	if p.finished {
		return
	}
	p.flushBuffered()
	p.emit(Event{Kind: KindToolCall, ToolCall: &tc})
}

// Fail flushes buffered text and emits a terminal error event.
func (p *Parser) Fail(err error) {
	if p.finished {
		return
	}
	p.flushBuffered()
	p.finished = true
	p.emit(Event{Kind: KindError, Err: err})
}

// Finalize flushes trailing buffered content and emits the done event. A
// stream that ends inside a reasoning span closes the span with whatever
// was buffered rather than discarding it.
func (p *Parser) Finalize() {
	if p.finished {
		return
	}
	p.flushBuffered()
	if p.inThinking {
		p.emit(Event{Kind: KindThinkingEnd, Full: p.span.String()})
		p.span.Reset()
		p.inThinking = false
	}
	p.finished = true
	p.emit(Event{Kind: KindDone})
}

// flushBuffered drains the buffer as content or thinking text, including
// any held-back partial marker.
func (p *Parser) flushBuffered() {
	rest := p.buf.String()
	p.buf.Reset()
	if rest == "" {
		return
	}
	if p.inThinking {
		p.emitThinkingDelta(rest)
	} else {
		p.emitContent(rest)
	}
}
