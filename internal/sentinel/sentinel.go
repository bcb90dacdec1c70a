// Package sentinel extracts a JSON payload delimited by begin and end
// markers from free-form process output.
package sentinel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default markers written by the scripts around their result.
const (
	DefaultBegin = "###JSON-BEGIN###"
	DefaultEnd   = "###JSON-END###"
)

// Match selects which marker pair is honoured when the output holds more
// than one.
type Match string

const (
	// MatchFirst takes the first pair.
	MatchFirst Match = "first"
	// MatchLast takes the last pair.
	MatchLast Match = "last"
	// MatchStrict rejects output holding more than one pair.
	MatchStrict Match = "strict"
)

var (
	// ErrNoPayload is returned when no complete marker pair is present.
	ErrNoPayload = errors.New("no payload markers found")
	// ErrMultiplePayloads is returned by MatchStrict on duplicate pairs.
	ErrMultiplePayloads = errors.New("multiple payload marker pairs found")
)

// ParseError reports enclosed text that is not valid JSON.
type ParseError struct {
	Raw string // exact text between the markers
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Payload is an extracted JSON value.
type Payload struct {
	Raw   json.RawMessage // trimmed JSON text
	Value any             // decoded value
}

// Extractor locates and parses a marker-delimited payload.
// The zero value uses the default markers and MatchFirst.
type Extractor struct {
	Begin string
	End   string
	Match Match
}

// New returns an Extractor, substituting defaults for empty arguments.
func New(begin, end string, match Match) Extractor {
	return Extractor{Begin: begin, End: end, Match: match}.withDefaults()
}

func (x Extractor) withDefaults() Extractor {
	if x.Begin == "" {
		x.Begin = DefaultBegin
	}
	if x.End == "" {
		x.End = DefaultEnd
	}
	if x.Match == "" {
		x.Match = MatchFirst
	}
	return x
}

// Extract returns the payload found in text. It has no side effects:
// repeated calls on the same text return equal payloads.
func (x Extractor) Extract(text string) (*Payload, error) {
	x = x.withDefaults()

	spans := x.spans(text)
	if len(spans) == 0 {
		return nil, ErrNoPayload
	}

	var raw string
	switch x.Match {
	case MatchLast:
		raw = spans[len(spans)-1]
	case MatchStrict:
		if len(spans) > 1 {
			return nil, fmt.Errorf("%w (%d pairs)", ErrMultiplePayloads, len(spans))
		}
		raw = spans[0]
	default:
		raw = spans[0]
	}

	trimmed := strings.TrimSpace(raw)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	return &Payload{Raw: json.RawMessage(trimmed), Value: v}, nil
}

// spans returns the text enclosed by each non-overlapping marker pair, in
// order. An end marker always closes the nearest preceding begin marker.
func (x Extractor) spans(text string) []string {
	var out []string
	for {
		b := strings.Index(text, x.Begin)
		if b < 0 {
			return out
		}
		text = text[b+len(x.Begin):]
		e := strings.Index(text, x.End)
		if e < 0 {
			return out
		}
		out = append(out, text[:e])
		text = text[e+len(x.End):]
		if x.Match == MatchFirst {
			return out
		}
	}
}
