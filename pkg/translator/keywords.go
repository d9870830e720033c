package translator

import (
	"strings"

	"github.com/go-pkgz/stringutils"
)

// rewriteKeywords handles keyword-level dialect differences: transaction
// modifiers, insert variants, GLOB patterns, IIF, the two-argument LIMIT form
// and a few SQLite-only clauses PostgreSQL rejects outright.
func rewriteKeywords(s string) (string, error) {
	s = rewriteBegin(s)
	s = rewriteInsertVariants(s)
	s = stripIndexedBy(s)
	s = stripCollate(s)
	s = rewriteEmptyIn(s)
	s = rewriteLimitOffset(s)
	s = rewriteGlob(s)
	return rewriteCalls(s, callTable{
		"IIF": func(args []string) (string, bool) {
			if len(args) != 3 {
				return "", false
			}
			return "CASE WHEN " + args[0] + " THEN " + args[1] + " ELSE " + args[2] + " END", true
		},
	})
}

// rewriteBegin drops the SQLite locking modifier from BEGIN statements.
func rewriteBegin(s string) string {
	if leadingKeyword(s) != "BEGIN" {
		return s
	}
	i := findWordTop(s, 0, "BEGIN")
	j := skipSpaces(s, i+len("BEGIN"))
	for _, m := range []string{"IMMEDIATE", "DEFERRED", "EXCLUSIVE"} {
		if matchWordAt(s, j, m) {
			rest := strings.TrimLeft(s[j+len(m):], " \t")
			if rest == "" {
				return strings.TrimRight(s[:j], " \t")
			}
			return s[:j] + rest
		}
	}
	return s
}

// rewriteInsertVariants maps REPLACE INTO and INSERT OR IGNORE/REPLACE to
// plain INSERT, adding ON CONFLICT DO NOTHING for the ignore form.
func rewriteInsertVariants(s string) string {
	switch leadingKeyword(s) {
	case "REPLACE":
		i := findWordTop(s, 0, "REPLACE")
		j := skipSpaces(s, i+len("REPLACE"))
		if matchWordAt(s, j, "INTO") {
			return s[:i] + "INSERT" + s[i+len("REPLACE"):]
		}
		return s
	case "INSERT":
		i := findWordTop(s, 0, "INSERT")
		j := skipSpaces(s, i+len("INSERT"))
		if !matchWordAt(s, j, "OR") {
			return s
		}
		k := skipSpaces(s, j+len("OR"))
		switch {
		case matchWordAt(s, k, "IGNORE"):
			out := s[:j] + strings.TrimLeft(s[k+len("IGNORE"):], " \t")
			if findWordTop(out, 0, "CONFLICT") < 0 {
				out = strings.TrimRight(out, " \t\n;") + " ON CONFLICT DO NOTHING"
			}
			return out
		case matchWordAt(s, k, "REPLACE"):
			return s[:j] + strings.TrimLeft(s[k+len("REPLACE"):], " \t")
		case matchWordAt(s, k, "ABORT"): // default conflict behavior, drop the clause
			return s[:j] + strings.TrimLeft(s[k+len("ABORT"):], " \t")
		case matchWordAt(s, k, "FAIL"):
			return s[:j] + strings.TrimLeft(s[k+len("FAIL"):], " \t")
		case matchWordAt(s, k, "ROLLBACK"):
			return s[:j] + strings.TrimLeft(s[k+len("ROLLBACK"):], " \t")
		}
	}
	return s
}

// stripIndexedBy removes INDEXED BY <name> and NOT INDEXED hints.
func stripIndexedBy(s string) string {
	from := 0
	for {
		i := findWordAny(s, from, "INDEXED")
		if i < 0 {
			return s
		}
		start, end, matched := i, i+len("INDEXED"), false
		if k := strings.LastIndex(strings.ToUpper(s[:i]), "NOT"); k >= 0 &&
			matchWordAt(s, k, "NOT") && strings.TrimSpace(s[k+3:i]) == "" {
			start, matched = k, true
		}
		if j := skipSpaces(s, end); matchWordAt(s, j, "BY") {
			j = skipSpaces(s, j+len("BY"))
			if j < len(s) && s[j] == '"' {
				end = skipQuoted(s, j, '"')
			} else {
				_, end = wordAt(s, j)
			}
			matched = true
		}
		if !matched { // bare INDEXED is an ordinary identifier
			from = i + len("INDEXED")
			continue
		}
		s = strings.TrimRight(s[:start], " \t") + " " + strings.TrimLeft(s[end:], " \t")
		from = 0
	}
}

// sqlite collation names the server does not know
var sqliteCollations = []string{"nocase", "binary", "rtrim"}

// stripCollate removes COLLATE clauses naming SQLite-only collations,
// including the icu_* family.
func stripCollate(s string) string {
	from := 0
	for {
		i := findWordTop(s, from, "COLLATE")
		if i < 0 {
			return s
		}
		j := skipSpaces(s, i+len("COLLATE"))
		name, end := wordAt(s, j)
		low := strings.ToLower(name)
		if name == "" || (!strings.HasPrefix(low, "icu") && !stringutils.Contains(low, sqliteCollations)) {
			from = i + len("COLLATE")
			continue
		}
		s = strings.TrimRight(s[:i], " \t") + s[end:]
	}
}

// rewriteEmptyIn replaces the empty IN () list, which SQLite accepts and the
// server rejects, with a never-matching subselect.
func rewriteEmptyIn(s string) string {
	from := 0
	for {
		i := findWordAny(s, from, "IN")
		if i < 0 {
			return s
		}
		j := skipSpaces(s, i+len("IN"))
		if j < len(s) && s[j] == '(' {
			k := skipSpaces(s, j+1)
			if k < len(s) && s[k] == ')' {
				s = s[:j] + "(SELECT -1 WHERE FALSE)" + s[k+1:]
				from = j
				continue
			}
		}
		from = i + len("IN")
	}
}

// rewriteLimitOffset converts the "LIMIT x, y" form to "LIMIT y OFFSET x".
func rewriteLimitOffset(s string) string {
	from := 0
	for {
		i := findWordAny(s, from, "LIMIT")
		if i < 0 {
			return s
		}
		start := skipSpaces(s, i+len("LIMIT"))
		comma, end := -1, len(s)
		depth := 0
	scan:
		for j := start; j < len(s); j++ {
			switch s[j] {
			case '\'':
				j = skipLiteral(s, j) - 1
			case '"':
				j = skipQuoted(s, j, '"') - 1
			case '(':
				depth++
			case ')':
				if depth == 0 {
					end = j
					break scan
				}
				depth--
			case ',':
				if depth == 0 {
					comma = j
				}
			case ';':
				if depth == 0 {
					end = j
					break scan
				}
			default:
				if depth == 0 && (matchWordAt(s, j, "OFFSET") || matchWordAt(s, j, "UNION")) {
					end = j
					break scan
				}
			}
		}
		if comma < 0 {
			from = i + len("LIMIT")
			continue
		}
		x := strings.TrimSpace(s[start:comma])
		y := strings.TrimSpace(s[comma+1 : end])
		s = s[:start] + y + " OFFSET " + x + s[end:]
		from = start
	}
}

// rewriteGlob converts GLOB to ILIKE and maps the glob wildcards inside a
// literal pattern operand to their LIKE equivalents.
func rewriteGlob(s string) string {
	from := 0
	for {
		i := findWordAny(s, from, "GLOB")
		if i < 0 {
			return s
		}
		s = s[:i] + "ILIKE" + s[i+len("GLOB"):]
		j := skipSpaces(s, i+len("ILIKE"))
		if j < len(s) && s[j] == '\'' {
			end := skipLiteral(s, j)
			pat := s[j:end]
			pat = strings.ReplaceAll(pat, "*", "%")
			pat = strings.ReplaceAll(pat, "?", "_")
			s = s[:j] + pat + s[end:]
		}
		from = i + len("ILIKE")
	}
}

// findWordAny locates word w at any paren depth outside literals and quoted
// identifiers.
func findWordAny(s string, from int, w string) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipLiteral(s, i) - 1
		case '"':
			i = skipQuoted(s, i, '"') - 1
		default:
			if matchWordAt(s, i, w) {
				return i
			}
		}
	}
	return -1
}
