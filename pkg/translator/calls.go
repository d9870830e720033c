package translator

import "strings"

// callTable maps an upper-cased function name to its rewrite. The rewrite
// gets the already-processed argument list and reports whether it applied.
type callTable map[string]func(args []string) (string, bool)

// rewriteCalls walks the statement and applies table rewrites to matching
// function calls, recursing into arguments so nested calls are handled
// innermost first.
func rewriteCalls(s string, table callTable) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch {
		case s[i] == '\'':
			j := skipLiteral(s, i)
			b.WriteString(s[i:j])
			i = j
		case s[i] == '"':
			j := skipQuoted(s, i, '"')
			b.WriteString(s[i:j])
			i = j
		case isIdentStart(s[i]):
			w, j := wordAt(s, i)
			fn, found := table[strings.ToUpper(w)]
			if !found {
				b.WriteString(w)
				i = j
				continue
			}
			k := skipSpaces(s, j)
			args, end, ok := parseArgs(s, k)
			if !ok {
				b.WriteString(w)
				i = j
				continue
			}
			for ai := range args {
				na, err := rewriteCalls(args[ai], table)
				if err != nil {
					return "", err
				}
				args[ai] = na
			}
			if rep, applied := fn(args); applied {
				b.WriteString(rep)
				i = end
				continue
			}
			b.WriteString(w)
			b.WriteByte('(')
			b.WriteString(strings.Join(args, ", "))
			b.WriteByte(')')
			i = end
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}
