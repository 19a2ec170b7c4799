package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var partialUnicodeEscape = regexp.MustCompile(`\\u[0-9a-fA-F]{0,3}$`)

// Repair rewrites a damaged JSON document into something a strict parser can read.
// It handles what language models actually produce: prose before the payload,
// output cut off mid-value, trailing commas, bare keys and Python literals.
// Text after the root value is dropped. Repair never fails; the caller decides
// whether the result parses.
func Repair(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	src := text[start:]

	var (
		buf      = make([]byte, 0, len(src)+8)
		stack    []byte
		inString bool
		escaped  bool
	)

scan:
	for i := 0; i < len(src); i++ {
		ch := src[i]

		if inString {
			buf = append(buf, ch)
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

		switch {
		case ch == '"':
			inString = true
			buf = append(buf, ch)
		case ch == '{' || ch == '[':
			stack = append(stack, ch)
			buf = append(buf, ch)
		case ch == '}' || ch == ']':
			if len(stack) == 0 {
				break scan
			}
			buf = trimTrailingComma(buf)
			want := closerFor(stack[len(stack)-1])
			stack = stack[:len(stack)-1]
			buf = append(buf, want)
			if len(stack) == 0 {
				break scan
			}
			if ch != want {
				// mismatched closer: close the inner frame and retry ch against the outer one
				i--
			}
		case isIdentStart(ch):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			buf = append(buf, bareWord(src[i:j], src[j:], stack)...)
			i = j - 1
		default:
			buf = append(buf, ch)
		}
	}

	if inString {
		if escaped {
			buf = buf[:len(buf)-1]
		}
		if loc := partialUnicodeEscape.FindIndex(buf); loc != nil {
			buf = buf[:loc[0]]
		}
		buf = trimPartialRune(buf)
		buf = append(buf, '"')
	}

	if len(stack) > 0 {
		buf = completeTail(buf, stack[len(stack)-1])
		for i := len(stack) - 1; i >= 0; i-- {
			buf = append(buf, closerFor(stack[i]))
		}
	}

	return string(buf)
}

func closerFor(open byte) byte {
	if open == '[' {
		return ']'
	}
	return '}'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// bareWord maps Python literals and quotes unquoted object keys.
func bareWord(word, rest string, stack []byte) string {
	switch word {
	case "True":
		return "true"
	case "False":
		return "false"
	case "None":
		return "null"
	case "true", "false", "null":
		return word
	}
	inObject := len(stack) > 0 && stack[len(stack)-1] == '{'
	if inObject && strings.HasPrefix(strings.TrimLeft(rest, " \t\r\n"), ":") {
		return `"` + word + `"`
	}
	return word
}

func trimSpaceRight(buf []byte) []byte {
	for len(buf) > 0 {
		switch buf[len(buf)-1] {
		case ' ', '\t', '\r', '\n':
			buf = buf[:len(buf)-1]
		default:
			return buf
		}
	}
	return buf
}

func trimTrailingComma(buf []byte) []byte {
	buf = trimSpaceRight(buf)
	if len(buf) > 0 && buf[len(buf)-1] == ',' {
		buf = trimSpaceRight(buf[:len(buf)-1])
	}
	return buf
}

// trimPartialRune drops the bytes of a multi-byte character cut in half.
func trimPartialRune(buf []byte) []byte {
	for n := 0; n < utf8.UTFMax-1 && len(buf) > 0; n++ {
		r, size := utf8.DecodeLastRune(buf)
		if r != utf8.RuneError || size != 1 {
			break
		}
		buf = buf[:len(buf)-1]
	}
	return buf
}

// completeTail fixes the last incomplete token of a truncated document so
// that closing the open brackets yields valid JSON. top is the innermost open bracket.
func completeTail(buf []byte, top byte) []byte {
	for {
		buf = trimSpaceRight(buf)
		if len(buf) == 0 {
			return buf
		}

		last := buf[len(buf)-1]
		switch {
		case last == ',':
			buf = buf[:len(buf)-1]
			continue
		case last == ':':
			return append(buf, "null"...)
		case last == '"':
			if top == '{' && isDanglingKey(buf) {
				return append(buf, ":null"...)
			}
			return buf
		}

		token := trailingToken(buf)
		if token == "" {
			return buf
		}

		if isIdentStart(token[0]) {
			for _, lit := range []string{"true", "false", "null"} {
				if strings.HasPrefix(lit, token) {
					return append(buf, lit[len(token):]...)
				}
			}
			return buf
		}

		// number cut after a sign, a dot or an exponent marker
		trimmed := strings.TrimRight(token, ".eE+-")
		if trimmed == token {
			return buf
		}
		buf = buf[:len(buf)-len(token)+len(trimmed)]
	}
}

func trailingToken(buf []byte) string {
	i := len(buf)
	for i > 0 {
		ch := buf[i-1]
		if isIdentChar(ch) || ch == '.' || ch == '+' || ch == '-' {
			i--
			continue
		}
		break
	}
	return string(buf[i:])
}

// isDanglingKey reports whether the string literal ending buf sits in key position.
func isDanglingKey(buf []byte) bool {
	open := stringStart(buf)
	if open < 0 {
		return false
	}
	prev := trimSpaceRight(buf[:open])
	if len(prev) == 0 {
		return false
	}
	switch prev[len(prev)-1] {
	case '{', ',':
		return true
	}
	return false
}

// stringStart finds the opening quote of the string literal that ends buf.
func stringStart(buf []byte) int {
	for i := len(buf) - 2; i >= 0; i-- {
		if buf[i] != '"' {
			continue
		}
		backslashes := 0
		for j := i - 1; j >= 0 && buf[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			return i
		}
	}
	return -1
}
