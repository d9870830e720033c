package translator

import (
	"strconv"
	"strings"
)

// rewritePlaceholders converts SQLite parameter markers to $N form. Anonymous
// "?" markers take indices in order of appearance, "?NNN" keeps its explicit
// index, and named markers (:name, @name, $name) get the next free index with
// repeats reusing it. Returns the rewritten statement, the highest assigned
// index and the name-to-index mapping.
func rewritePlaceholders(s string) (string, int, map[string]int, error) {
	var b strings.Builder
	b.Grow(len(s) + 16)
	count := 0
	var names map[string]int

	assign := func(key string) int {
		if names == nil {
			names = map[string]int{}
		}
		if idx, ok := names[key]; ok {
			return idx
		}
		count++
		names[key] = count
		return count
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'':
			j := skipLiteral(s, i)
			b.WriteString(s[i:j])
			i = j
		case c == '"':
			j := skipQuoted(s, i, '"')
			b.WriteString(s[i:j])
			i = j
		case c == '?':
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			if j > i+1 { // explicit ?NNN keeps its index
				n, err := strconv.Atoi(s[i+1 : j])
				if err == nil && n > 0 {
					if n > count {
						count = n
					}
					b.WriteString("$")
					b.WriteString(strconv.Itoa(n))
					i = j
					continue
				}
			}
			count++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(count))
			i++
		case c == ':':
			if i+1 < len(s) && s[i+1] == ':' { // server-side cast
				b.WriteString("::")
				i += 2
				continue
			}
			if i+1 < len(s) && isIdentStart(s[i+1]) {
				name, j := wordAt(s, i+1)
				idx := assign(":" + name)
				b.WriteString("$")
				b.WriteString(strconv.Itoa(idx))
				i = j
				continue
			}
			b.WriteByte(c)
			i++
		case c == '@':
			if i+1 < len(s) && isIdentStart(s[i+1]) {
				name, j := wordAt(s, i+1)
				idx := assign("@" + name)
				b.WriteString("$")
				b.WriteString(strconv.Itoa(idx))
				i = j
				continue
			}
			b.WriteByte(c)
			i++
		case c == '$':
			if i+1 < len(s) && isDigit(s[i+1]) { // already indexed
				j := i + 1
				for j < len(s) && isDigit(s[j]) {
					j++
				}
				if n, err := strconv.Atoi(s[i+1 : j]); err == nil && n > count {
					count = n
				}
				b.WriteString(s[i:j])
				i = j
				continue
			}
			if i+1 < len(s) && isIdentStart(s[i+1]) {
				name, j := wordAt(s, i+1)
				idx := assign("$" + name)
				b.WriteString("$")
				b.WriteString(strconv.Itoa(idx))
				i = j
				continue
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), count, names, nil
}
