package docstore

import (
	"fmt"
	"strings"
)

// normalizeRelaxedJSON rewrites the shell flavoured query syntax into strict
// extended JSON: single quoted strings become double quoted and bare keys
// get quoted. Structure is left for the extended JSON parser to validate.
func normalizeRelaxedJSON(src string) (string, error) {
	var b strings.Builder
	b.Grow(len(src) + 16)

	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == '"' || ch == '\'':
			end, err := writeQuoted(&b, src, i)
			if err != nil {
				return "", err
			}
			i = end
		case ch == '-' || isDigit(ch):
			j := i + 1
			for j < len(src) && isNumberPart(src[j]) {
				j++
			}
			b.WriteString(src[i:j])
			i = j
		case isIdentStart(ch):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			switch word := src[i:j]; word {
			case "true", "false", "null":
				b.WriteString(word)
			default:
				b.WriteByte('"')
				b.WriteString(word)
				b.WriteByte('"')
			}
			i = j
		default:
			b.WriteByte(ch)
			i++
		}
	}

	return b.String(), nil
}

// writeQuoted copies the string literal starting at src[start] as a double
// quoted literal and returns the offset after its closing quote.
func writeQuoted(b *strings.Builder, src string, start int) (int, error) {
	quote := src[start]
	b.WriteByte('"')

	for j := start + 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\':
			if j+1 >= len(src) {
				return 0, fmt.Errorf("unterminated escape at offset %d", j)
			}
			j++
			if src[j] == '\'' {
				b.WriteByte('\'')
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(src[j])
		case c == quote:
			b.WriteByte('"')
			return j + 1, nil
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}

	return 0, fmt.Errorf("unterminated string starting at offset %d", start)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNumberPart(c byte) bool {
	return isDigit(c) || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '$' || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
