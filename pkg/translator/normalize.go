package translator

import (
	"strconv"
	"strings"
)

// Normalize rewrites numeric literals to $N placeholders, continuing after
// the statement's highest existing index, and returns the extracted literal
// bytes in order. Two statements differing only in inline numbers normalize
// to the same text, with the numbers carried as parameters. String literals
// stay in place.
func Normalize(sql string) (string, [][]byte) {
	var b strings.Builder
	b.Grow(len(sql))
	var params [][]byte
	next := maxPlaceholder(sql)

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'':
			j := skipLiteral(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '"':
			j := skipQuoted(sql, i, '"')
			b.WriteString(sql[i:j])
			i = j
		case c == '$':
			j := i + 1
			for j < len(sql) && isIdentChar(sql[j]) {
				j++
			}
			b.WriteString(sql[i:j])
			i = j
		case isIdentStart(c):
			w, j := wordAt(sql, i)
			b.WriteString(w)
			i = j
		case isDigit(c) && (i == 0 || !isIdentChar(sql[i-1])):
			j := i
			for j < len(sql) && (isDigit(sql[j]) || sql[j] == '.') {
				j++
			}
			next++
			params = append(params, []byte(sql[i:j]))
			b.WriteString("$")
			b.WriteString(strconv.Itoa(next))
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), params
}
