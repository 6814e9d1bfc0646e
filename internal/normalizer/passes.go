package normalizer

import "strings"

// Repair passes. Each one is total: it never fails and returns its input
// unchanged when there is nothing to fix. All passes track string literals so
// that text inside quotes is never rewritten.

// scanner walks text byte by byte and reports whether the current byte is
// inside a JSON string literal.
type scanner struct {
	inString bool
	escaped  bool
}

// step updates the string state for c and reports whether c belongs to a
// string literal (including its quotes).
func (s *scanner) step(c byte) bool {
	if s.inString {
		switch {
		case s.escaped:
			s.escaped = false
		case c == '\\':
			s.escaped = true
		case c == '"':
			s.inString = false
		}
		return true
	}
	if c == '"' {
		s.inString = true
		return true
	}
	return false
}

// StripLineComments removes // comments that start outside string literals.
func StripLineComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var sc scanner
	for i := 0; i < len(text); i++ {
		c := text[i]
		if !sc.step(c) && c == '/' && i+1 < len(text) && text[i+1] == '/' {
			for i < len(text) && text[i] != '\n' {
				i++
			}
			if i < len(text) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// StripTrailingCommas drops commas whose next non-space byte closes an object
// or array.
func StripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var sc scanner
	for i := 0; i < len(text); i++ {
		c := text[i]
		if !sc.step(c) && c == ',' {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// QuoteBareKeys wraps unquoted identifiers used as object keys in quotes:
// {name: 1} becomes {"name": 1}. Bare words not followed by ':' are kept.
func QuoteBareKeys(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)
	var sc scanner
	for i := 0; i < len(text); i++ {
		c := text[i]
		b.WriteByte(c)
		if sc.step(c) || (c != '{' && c != ',') {
			continue
		}

		j := i + 1
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		if j >= len(text) || !isIdentStart(text[j]) {
			continue
		}
		k := j
		for k < len(text) && isIdentPart(text[k]) {
			k++
		}
		colon := k
		for colon < len(text) && isSpace(text[colon]) {
			colon++
		}
		if colon >= len(text) || text[colon] != ':' {
			continue
		}

		b.WriteString(text[i+1 : j])
		b.WriteByte('"')
		b.WriteString(text[j:k])
		b.WriteByte('"')
		i = k - 1
	}
	return b.String()
}

// LocateObject returns the longest brace-delimited span: from the first '{'
// to the last '}'.
func LocateObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// TruncateBalanced cuts span right after the brace that closes its first
// top-level object. It reports false when no such brace exists or the span
// is already balanced at its end.
func TruncateBalanced(span string) (string, bool) {
	var sc scanner
	depth := 0
	for i := 0; i < len(span); i++ {
		c := span[i]
		if sc.step(c) {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				if i == len(span)-1 {
					return span, false
				}
				return span[:i+1], true
			}
		}
	}
	return span, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}
