package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"nutrition-proxy/internal/pkg/common"
)

// PreviewLimit bounds how much raw model output a MalformedError carries.
const PreviewLimit = 200

// maxSpanStarts bounds the bracket-matching fallback on long outputs.
const maxSpanStarts = 32

var errNotContainer = errors.New("top-level value is not an object or array")

// MalformedError means no attempt recovered a JSON value from the model output.
type MalformedError struct {
	Preview string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed model response: %v (preview %q)", e.Err, e.Preview)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Extractor turns raw model text into a decoded JSON object or array.
// It holds no state besides the marker and is safe for concurrent use.
type Extractor struct {
	finalMarker string
}

// New returns an Extractor. finalMarker, when non-empty, separates a reasoning
// preamble from the answer; everything up to its last occurrence is discarded.
func New(finalMarker string) *Extractor {
	return &Extractor{finalMarker: finalMarker}
}

// Extract tries, in order: strict parse of the answer (fence stripped),
// strict parse of its repaired form, and the first balanced {...} span.
// The result is a map[string]any or []any with float64 numbers.
func (e *Extractor) Extract(raw string) (any, error) {
	answer := raw
	if e.finalMarker != "" {
		if idx := strings.LastIndex(answer, e.finalMarker); idx >= 0 {
			answer = answer[idx+len(e.finalMarker):]
		}
	}
	answer = StripFence(answer)

	v, err := decodeStrict(answer)
	if err == nil {
		return v, nil
	}
	firstErr := err

	if v, err := decodeStrict(Repair(answer)); err == nil {
		return v, nil
	}

	for _, candidate := range uniqueStrings(answer, raw) {
		if v, ok := firstBalancedObject(candidate); ok {
			return v, nil
		}
	}

	return nil, &MalformedError{
		Preview: common.Preview(raw, PreviewLimit),
		Err:     firstErr,
	}
}

// StripFence returns the body of the first markdown code fence in text, or the
// trimmed text when there is none. A missing closing fence is tolerated.
func StripFence(text string) string {
	t := strings.TrimSpace(text)
	open := strings.Index(t, "```")
	if open < 0 {
		return t
	}

	body := t[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isInfoString(body[:nl]) {
		body = body[nl+1:]
	} else {
		body = strings.TrimLeftFunc(body, unicode.IsLetter)
	}

	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isInfoString(line string) bool {
	for _, r := range strings.TrimSpace(line) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '+' {
			return false
		}
	}
	return true
}

// decodeStrict accepts exactly one JSON object or array and nothing after it.
func decodeStrict(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}

	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, errNotContainer
	}
}

// firstBalancedObject scans for '{' positions and returns the first span that
// closes (string-aware bracket matching) and parses.
func firstBalancedObject(text string) (any, bool) {
	from := 0
	for tries := 0; tries < maxSpanStarts; tries++ {
		rel := strings.IndexByte(text[from:], '{')
		if rel < 0 {
			return nil, false
		}
		start := from + rel
		if end := matchBrace(text, start); end > start {
			if v, err := decodeStrict(text[start : end+1]); err == nil {
				return v, true
			}
		}
		from = start + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing text[start], or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func uniqueStrings(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		dup := false
		for _, seen := range out {
			if seen == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
