package translator

import "strings"

// normalizeQuotes converts backtick and bracket identifier quoting to
// standard double quotes. Bracketed content of digits only is an array
// subscript on already-translated input and stays as is.
func normalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch s[i] {
		case '\'':
			j := skipLiteral(s, i)
			b.WriteString(s[i:j])
			i = j
		case '"':
			j := skipQuoted(s, i, '"')
			b.WriteString(s[i:j])
			i = j
		case '`':
			j := i + 1
			for j < len(s) && s[j] != '`' {
				j++
			}
			writeQuotedIdent(&b, s[i+1:j])
			if j < len(s) {
				j++ // closing backtick
			}
			i = j
		case '[':
			j := i + 1
			for j < len(s) && s[j] != ']' && s[j] != '[' && s[j] != '\'' {
				j++
			}
			if j < len(s) && s[j] == ']' && j > i+1 && !digitsOnly(s[i+1:j]) {
				writeQuotedIdent(&b, s[i+1:j])
				i = j + 1
				continue
			}
			b.WriteByte(s[i])
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func writeQuotedIdent(b *strings.Builder, ident string) {
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(ident, `"`, `""`))
	b.WriteByte('"')
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) && s[i] != ':' {
			return false
		}
	}
	return true
}
