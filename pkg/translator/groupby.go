package translator

import (
	"log"
	"strconv"
	"strings"

	"github.com/go-pkgz/stringutils"
)

// aggregate function names, both source and server dialect forms
var aggregateFuncs = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MAX": true, "MIN": true,
	"GROUP_CONCAT": true, "STRING_AGG": true, "ARRAY_AGG": true,
	"BOOL_AND": true, "BOOL_OR": true, "EVERY": true,
	"JSON_AGG": true, "JSONB_AGG": true, "XMLAGG": true,
}

// keywords the reference collector must not mistake for column references
var gbKeywords = map[string]bool{
	"AS": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true, "NULL": true,
	"LIKE": true, "ILIKE": true, "BETWEEN": true, "ESCAPE": true, "DISTINCT": true,
	"ASC": true, "DESC": true, "TRUE": true, "FALSE": true, "COLLATE": true,
	"CAST": true, "INTERVAL": true, "EXISTS": true, "SELECT": true, "FROM": true,
	"WHERE": true, "OVER": true, "PARTITION": true, "BY": true, "ORDER": true,
	"ON": true, "EPOCH": true, "YEAR": true, "MONTH": true, "DAY": true,
	"HOUR": true, "MINUTE": true, "SECOND": true, "DOW": true, "DOY": true,
}

// fixGroupBy appends missing non-aggregate projection references to the
// GROUP BY list. SQLite tolerates under-grouped selects, the server enforces
// strict grouping. On any parse trouble the statement is left unchanged.
func fixGroupBy(s string) (string, error) {
	gb := findGroupBy(s)
	if gb < 0 {
		return s, nil
	}
	out, ok := completeGroupBy(s, gb)
	if !ok {
		log.Printf("[INFO] group by fixer left statement unchanged: %s", stringutils.Truncate(s, 200))
		return s, nil
	}
	return out, nil
}

// findGroupBy locates a top-level GROUP BY, -1 if none.
func findGroupBy(s string) int {
	from := 0
	for {
		i := findWordTop(s, from, "GROUP")
		if i < 0 {
			return -1
		}
		if j := skipSpaces(s, i+len("GROUP")); matchWordAt(s, j, "BY") {
			return i
		}
		from = i + len("GROUP")
	}
}

func completeGroupBy(s string, gb int) (string, bool) {
	// the select branch owning this GROUP BY is the last top-level SELECT
	selIdx, from := -1, 0
	for {
		i := findWordTop(s, from, "SELECT")
		if i < 0 || i >= gb {
			break
		}
		selIdx, from = i, i+len("SELECT")
	}
	if selIdx < 0 {
		return "", false
	}

	selStart := skipSpaces(s, selIdx+len("SELECT"))
	if matchWordAt(s, selStart, "DISTINCT") {
		selStart = skipSpaces(s, selStart+len("DISTINCT"))
	} else if matchWordAt(s, selStart, "ALL") {
		selStart = skipSpaces(s, selStart+len("ALL"))
	}
	fromIdx := findWordTop(s, selStart, "FROM")
	if fromIdx < 0 || fromIdx >= gb {
		return "", false
	}

	items := splitTopLevel(s[selStart:fromIdx], ',')
	if len(items) == 0 {
		return "", false
	}

	byIdx := skipSpaces(s, gb+len("GROUP"))
	cStart := skipSpaces(s, byIdx+len("BY"))
	cEnd, ok := groupByEnd(s, cStart)
	if !ok || cEnd <= cStart {
		return "", false
	}
	entries := splitTopLevel(s[cStart:cEnd], ',')

	present := map[string]bool{}
	mark := func(ref string) {
		n := normRef(ref)
		present[n] = true
		present[lastSeg(n)] = true
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			return "", false
		}
		if n, err := strconv.Atoi(e); err == nil { // ordinal covers its select item
			if n < 1 || n > len(items) {
				return "", false
			}
			for _, ref := range itemRefs(items[n-1]) {
				mark(ref)
			}
			continue
		}
		mark(e)
	}

	var missing []string
	for _, item := range items {
		for _, ref := range itemRefs(item) {
			n := normRef(ref)
			if present[n] || present[lastSeg(n)] {
				continue
			}
			missing = append(missing, strings.TrimSpace(ref))
			present[n] = true
			present[lastSeg(n)] = true
		}
	}
	if len(missing) == 0 {
		return s, true
	}

	insertPos := cStart + len(strings.TrimRight(s[cStart:cEnd], " \t\n\r"))
	return s[:insertPos] + ", " + strings.Join(missing, ", ") + s[insertPos:], true
}

// groupByEnd finds the end of the GROUP BY list starting at cStart.
func groupByEnd(s string, cStart int) (int, bool) {
	terminators := []string{"HAVING", "ORDER", "LIMIT", "OFFSET", "WINDOW", "UNION", "EXCEPT", "INTERSECT"}
	depth := 0
	for j := cStart; j < len(s); j++ {
		switch s[j] {
		case '\'':
			j = skipLiteral(s, j) - 1
		case '"':
			j = skipQuoted(s, j, '"') - 1
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return j, true
			}
			depth--
		case ';':
			if depth == 0 {
				return j, true
			}
		default:
			if depth == 0 && isIdentStart(s[j]) {
				for _, t := range terminators {
					if matchWordAt(s, j, t) {
						return j, true
					}
				}
				_, j2 := wordAt(s, j)
				j = j2 - 1
			}
		}
	}
	return len(s), depth == 0
}

// itemRefs returns the bare column references of one select item, alias
// stripped, references inside aggregate arguments excluded.
func itemRefs(item string) []string {
	expr := stripAlias(item)
	return bareRefs(expr)
}

// stripAlias cuts a trailing top-level "AS alias" from a select item.
func stripAlias(item string) string {
	depth := 0
	for i := 0; i < len(item); i++ {
		switch item[i] {
		case '\'':
			i = skipLiteral(item, i) - 1
		case '"':
			i = skipQuoted(item, i, '"') - 1
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && matchWordAt(item, i, "AS") {
				return item[:i]
			}
		}
	}
	return item
}

type gbFrame struct{ agg, cast bool }

// bareRefs collects column references sitting outside aggregate calls.
func bareRefs(expr string) []string {
	var refs []string
	var frames []gbFrame
	aggDepth := 0
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '\'':
			i = skipLiteral(expr, i)
		case c == '"' || isIdentStart(c):
			ref, j := readRef(expr, i)
			if k := skipSpaces(expr, j); k < len(expr) && expr[k] == '(' &&
				!strings.ContainsAny(ref, ".\"") {
				up := strings.ToUpper(ref)
				frames = append(frames, gbFrame{agg: aggregateFuncs[up], cast: up == "CAST"})
				if aggregateFuncs[up] {
					aggDepth++
				}
				i = k + 1
				continue
			}
			up := strings.ToUpper(ref)
			if gbKeywords[up] {
				if up == "AS" && len(frames) > 0 && frames[len(frames)-1].cast {
					i = skipCastType(expr, j)
					continue
				}
				i = j
				continue
			}
			if aggDepth == 0 && !strings.HasSuffix(ref, "*") {
				refs = append(refs, ref)
			}
			i = j
		case c == '(':
			frames = append(frames, gbFrame{})
			i++
		case c == ')':
			if len(frames) > 0 {
				if frames[len(frames)-1].agg {
					aggDepth--
				}
				frames = frames[:len(frames)-1]
			}
			i++
		case c == '$' || c == ':' || c == '@':
			_, j := wordAt(expr, i+1)
			i = j
		case isDigit(c):
			j := i
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.' || expr[j] == 'e' || expr[j] == 'E') {
				j++
			}
			i = j
		default:
			i++
		}
	}
	return refs
}

// skipCastType advances past the target type of a CAST expression.
func skipCastType(expr string, i int) int {
	depth := 0
	for ; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return i
			}
			depth--
		case ',':
			if depth == 0 {
				return i
			}
		}
	}
	return i
}

func normRef(ref string) string {
	n := strings.ToLower(strings.TrimSpace(ref))
	n = strings.ReplaceAll(n, `"`, "")
	return strings.ReplaceAll(n, " ", "")
}

func lastSeg(ref string) string {
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
