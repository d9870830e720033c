package translator

import "strings"

// low-level scanning helpers shared by all passes. Single-quoted literals and
// double-quoted identifiers are opaque to every rewrite, so each pass walks
// the input with these instead of regexps.

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentChar(b byte) bool { return isIdentStart(b) || isDigit(b) }

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// skipLiteral returns the index just past a single-quoted literal starting at
// i, honoring the '' escape. s[i] must be the opening quote.
func skipLiteral(s string, i int) int {
	i++
	for i < len(s) {
		if s[i] == '\'' {
			if i+1 < len(s) && s[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

// skipQuoted returns the index just past a quoted identifier starting at i,
// where q is the closing quote byte. Doubled quotes escape.
func skipQuoted(s string, i int, q byte) int {
	i++
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

// wordAt returns the identifier starting at i and the index just past it.
func wordAt(s string, i int) (string, int) {
	j := i
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	return s[i:j], j
}

// matchWordAt reports whether the word starting at i equals w, ASCII
// case-insensitive, with identifier boundaries on both sides.
func matchWordAt(s string, i int, w string) bool {
	if i+len(w) > len(s) {
		return false
	}
	for k := 0; k < len(w); k++ {
		if upperByte(s[i+k]) != upperByte(w[k]) {
			return false
		}
	}
	if i > 0 && isIdentChar(s[i-1]) {
		return false
	}
	j := i + len(w)
	return j >= len(s) || !isIdentChar(s[j])
}

// skipSpaces advances past whitespace.
func skipSpaces(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// parseArgs parses a parenthesized argument list starting at the opening
// paren. Returns the trimmed top-level arguments and the index just past the
// closing paren; ok is false on unbalanced input.
func parseArgs(s string, i int) (args []string, end int, ok bool) {
	if i >= len(s) || s[i] != '(' {
		return nil, i, false
	}
	depth := 1
	start := i + 1
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\'':
			j = skipLiteral(s, j) - 1
		case '"':
			j = skipQuoted(s, j, '"') - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				if arg := strings.TrimSpace(s[start:j]); arg != "" || len(args) > 0 {
					args = append(args, arg)
				}
				return args, j + 1, true
			}
		case ',':
			if depth == 1 {
				args = append(args, strings.TrimSpace(s[start:j]))
				start = j + 1
			}
		}
	}
	return nil, i, false
}

// leadingKeyword returns the first keyword of the statement, upper-cased,
// skipping whitespace and SQL comments.
func leadingKeyword(s string) string {
	i := 0
	for i < len(s) {
		i = skipSpaces(s, i)
		if strings.HasPrefix(s[i:], "--") {
			if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
				i += nl + 1
				continue
			}
			return ""
		}
		if strings.HasPrefix(s[i:], "/*") {
			if end := strings.Index(s[i:], "*/"); end >= 0 {
				i += end + 2
				continue
			}
			return ""
		}
		break
	}
	if i >= len(s) || !isIdentStart(s[i]) {
		return ""
	}
	w, _ := wordAt(s, i)
	return strings.ToUpper(w)
}

// readRef reads a possibly dotted, possibly quoted column reference starting
// at i, like col, tbl.col, "T".col or t.*.
func readRef(s string, i int) (string, int) {
	start := i
	for i < len(s) {
		switch {
		case s[i] == '"':
			i = skipQuoted(s, i, '"')
		case isIdentStart(s[i]):
			_, i = wordAt(s, i)
		case s[i] == '*':
			i++
		default:
			return s[start:i], i
		}
		if i < len(s) && s[i] == '.' {
			i++
			continue
		}
		return s[start:i], i
	}
	return s[start:i], i
}

// splitTopLevel splits s on sep at paren depth 0, literals and quoted
// identifiers opaque.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipLiteral(s, i) - 1
		case '"':
			i = skipQuoted(s, i, '"') - 1
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// findWordTop locates the first occurrence of word w at paren depth 0 outside
// literals and quoted identifiers, starting from index from. Returns -1 when
// not found.
func findWordTop(s string, from int, w string) int {
	depth := 0
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipLiteral(s, i) - 1
		case '"':
			i = skipQuoted(s, i, '"') - 1
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && matchWordAt(s, i, w) {
				return i
			}
		}
	}
	return -1
}
