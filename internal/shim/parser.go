package shim

import (
	"encoding/json"
	"strings"
)

// callMarker is the literal prefix that starts an inline tool call. The
// instruction prompt pins this exact shape, so scanning for the literal
// is enough; looser JSON never triggers extraction.
const callMarker = `{"tool":"`

// EventKind discriminates parser output.
type EventKind int

const (
	// EventText is plain generated text, including rejected call
	// candidates.
	EventText EventKind = iota

	// EventCall is a complete, well-formed inline tool call.
	EventCall
)

// Event is one piece of the parsed generation stream.
type Event struct {
	Kind EventKind
	Text string
	Call *ParsedCall
}

// ParsedCall is an inline tool call recovered from text. Raw preserves
// the exact call text as the model wrote it.
type ParsedCall struct {
	Tool string
	Args json.RawMessage
	Raw  string
}

// Parser incrementally scans a text stream for inline tool calls.
// Feed it chunks as they arrive; call Flush when the stream ends to
// drain whatever is still buffered.
type Parser struct {
	buf string
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffer and returns the events that became
// decidable. Text that could still be the start of a call is held back
// until the next chunk settles it.
func (p *Parser) Feed(chunk string) []Event {
	p.buf += chunk
	var events []Event

	for {
		idx := strings.Index(p.buf, callMarker)
		if idx < 0 {
			// No marker. Emit everything except a tail that might be
			// the beginning of one.
			keep := markerPrefixLen(p.buf)
			if emit := p.buf[:len(p.buf)-keep]; emit != "" {
				events = append(events, Event{Kind: EventText, Text: emit})
				p.buf = p.buf[len(p.buf)-keep:]
			}
			return events
		}

		if idx > 0 {
			events = append(events, Event{Kind: EventText, Text: p.buf[:idx]})
			p.buf = p.buf[idx:]
		}

		end, complete := scanObject(p.buf)
		if !complete {
			// The object is still streaming in.
			return events
		}

		raw := p.buf[:end]
		p.buf = p.buf[end:]

		if call, ok := parseCall(raw); ok {
			events = append(events, Event{Kind: EventCall, Call: call})
		} else {
			// Well-balanced but not a valid call; leave it as text.
			events = append(events, Event{Kind: EventText, Text: raw})
		}
	}
}

// Flush drains the buffer at end of stream. An incomplete call
// candidate degrades to literal text.
func (p *Parser) Flush() []Event {
	if p.buf == "" {
		return nil
	}
	text := p.buf
	p.buf = ""
	return []Event{{Kind: EventText, Text: text}}
}

// markerPrefixLen returns the length of the longest suffix of s that is
// a proper prefix of the call marker.
func markerPrefixLen(s string) int {
	max := len(callMarker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, callMarker[:n]) {
			return n
		}
	}
	return 0
}

// scanObject finds the end of the JSON object starting at s[0], which
// must be '{'. It is string-aware: braces inside JSON strings do not
// count, and backslash escapes are honored. Returns the index just past
// the closing brace, or complete=false if the object is unterminated.
func scanObject(s string) (end int, complete bool) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i + 1, true
				}
			}
		}
	}
	return 0, false
}

// parseCall decodes a candidate call object. The tool name must be
// non-empty; a missing args object is treated as empty.
func parseCall(raw string) (*ParsedCall, bool) {
	var decoded struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, false
	}
	if decoded.Tool == "" {
		return nil, false
	}
	args := decoded.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return &ParsedCall{Tool: decoded.Tool, Args: args, Raw: raw}, true
}
