package translator

import "strings"

// column type words mapped inside CREATE statements
var ddlTypes = map[string]string{
	"INTEGER":    "BIGINT",
	"REAL":       "DOUBLE PRECISION",
	"BLOB":       "BYTEA",
	"DT_INTEGER": "BIGINT",
	"BOOLEAN":    "BOOLEAN",
}

// rewriteTypes maps SQLite column types to server types. Applies only when
// the statement is DDL, type words in queries keep their meaning.
func rewriteTypes(s string) (string, error) {
	if leadingKeyword(s) != "CREATE" {
		return s, nil
	}
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
			up := strings.ToUpper(w)
			if up == "AUTOINCREMENT" { // no server equivalent, sequences cover it
				i = j
				continue
			}
			t, ok := ddlTypes[up]
			if !ok {
				b.WriteString(w)
				i = j
				continue
			}
			b.WriteString(t)
			i = j
			// drop a digits-only size qualifier, BIGINT(8) is not valid DDL
			if k := skipSpaces(s, j); k < len(s) && s[k] == '(' {
				if args, end, ok2 := parseArgs(s, k); ok2 && digitArgs(args) {
					i = end
				}
			}
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}

func digitArgs(args []string) bool {
	for _, a := range args {
		if a == "" || !digitsOnly(a) {
			return false
		}
	}
	return len(args) > 0
}
