package kiro

import (
	"bytes"
	"encoding/json"
)

// EventType classifies a payload extracted from the upstream byte stream.
type EventType string

const (
	EventContent      EventType = "content"
	EventToolUse      EventType = "toolUse"
	EventToolUseInput EventType = "toolUseInput"
	EventToolUseStop  EventType = "toolUseStop"
)

// Event is one JSON payload recovered from the AWS EventStream bytes.
type Event struct {
	Type EventType
	Data map[string]any
}

// payloadSignatures are the JSON prefixes that mark a payload of interest
// inside the EventStream framing. Everything between them (frame headers,
// CRCs, metering frames) is byte garbage from a JSON perspective and is
// skipped.
var payloadSignatures = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
}

// StreamParser incrementally extracts JSON payloads from upstream response
// bytes. It is frame-oblivious: instead of decoding the EventStream framing
// it scans for payload signatures and brace-counts each object. Feed may be
// called with reads split at arbitrary byte boundaries.
type StreamParser struct {
	buf []byte
}

// NewStreamParser returns a parser with an empty buffer.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed appends chunk to the internal buffer and returns every complete
// payload now available, in stream order. Incomplete spans stay buffered.
func (p *StreamParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	searchStart := 0
	for {
		earliest := earliestSignature(p.buf, searchStart)
		if earliest == -1 {
			// Keep any tail that could be the start of a signature split
			// across reads; everything before it is framing garbage.
			p.buf = retainSignaturePrefix(p.buf, searchStart)
			return events
		}

		end := scanObjectEnd(p.buf, earliest)
		if end == -1 {
			// Incomplete object: retain from its opening brace.
			p.buf = append(p.buf[:0:0], p.buf[earliest:]...)
			return events
		}

		if ev, ok := classifyPayload(p.buf[earliest : end+1]); ok {
			events = append(events, ev)
		}
		searchStart = end + 1
	}
}

// Drain returns the events still extractable from the buffered tail and
// resets the parser. Used after the upstream body is fully read.
func (p *StreamParser) Drain() []Event {
	events := p.Feed(nil)
	p.buf = nil
	return events
}

func earliestSignature(data []byte, from int) int {
	if from >= len(data) {
		return -1
	}
	earliest := -1
	for _, sig := range payloadSignatures {
		pos := bytes.Index(data[from:], sig)
		if pos == -1 {
			continue
		}
		abs := from + pos
		if earliest == -1 || abs < earliest {
			earliest = abs
		}
	}
	return earliest
}

// scanObjectEnd brace-counts the object starting at start and returns the
// index of its closing brace, or -1 when the buffer ends first.
func scanObjectEnd(data []byte, start int) int {
	depth := 0
	inString := false
	escapeNext := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		switch c {
		case '\\':
			escapeNext = true
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
					return i
				}
			}
		}
	}
	return -1
}

// retainSignaturePrefix discards everything except a tail that is a proper
// prefix of some signature, so a signature split across reads still matches.
func retainSignaturePrefix(data []byte, from int) []byte {
	if from > len(data) {
		from = len(data)
	}
	tail := data[from:]
	longest := 0
	for _, sig := range payloadSignatures {
		max := len(sig) - 1
		if max > len(tail) {
			max = len(tail)
		}
		for n := max; n > longest; n-- {
			if bytes.Equal(tail[len(tail)-n:], sig[:n]) {
				longest = n
				break
			}
		}
	}
	if longest == 0 {
		return nil
	}
	return append([]byte(nil), tail[len(tail)-longest:]...)
}

func classifyPayload(raw []byte) (Event, bool) {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Event{}, false
	}
	if _, ok := parsed["followupPrompt"]; ok {
		return Event{}, false
	}
	if _, ok := parsed["content"]; ok {
		return Event{Type: EventContent, Data: parsed}, true
	}
	if _, ok := parsed["name"]; ok {
		if _, hasID := parsed["toolUseId"]; hasID {
			return Event{Type: EventToolUse, Data: parsed}, true
		}
		return Event{}, false
	}
	if _, ok := parsed["input"]; ok {
		return Event{Type: EventToolUseInput, Data: parsed}, true
	}
	if _, ok := parsed["stop"]; ok {
		return Event{Type: EventToolUseStop, Data: parsed}, true
	}
	return Event{}, false
}
