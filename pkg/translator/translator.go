// Package translator rewrites SQLite dialect SQL into PostgreSQL dialect.
// Translation is a fixed sequence of passes over the statement text; every
// pass is idempotent, so feeding already-translated SQL through again is a
// no-op. Single-quoted literals are never rewritten except for the GLOB
// pattern conversion, which is scoped to the operand of the rewritten GLOB.
package translator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxSQLLen bounds the working statement size, a pass growing the statement
// beyond it fails the translation.
const MaxSQLLen = 131072

var (
	// ErrOverflow is returned when a statement exceeds MaxSQLLen before or
	// during translation.
	ErrOverflow = errors.New("statement exceeds translation buffer")
	// ErrUnsupported is returned for constructs with no server equivalent.
	ErrUnsupported = errors.New("unsupported SQL construct")
)

// Class is the statement class used for routing.
type Class int

// statement classes
const (
	ClassWrite Class = iota + 1
	ClassRead
	ClassSkip
)

func (c Class) String() string {
	switch c {
	case ClassWrite:
		return "write"
	case ClassRead:
		return "read"
	case ClassSkip:
		return "skip"
	}
	return "unknown"
}

// Result is the outcome of a translation.
type Result struct {
	SQL          string         // server-dialect statement
	ParamCount   int            // placeholders the host may bind, as counted in the source
	ServerParams int            // placeholders surviving in the translated statement
	ServerSlots  []int          // source slot (0-based) -> surviving $N index, 0 for a dropped slot
	ParamNames   map[string]int // named placeholder (with sigil) -> 1-based index
	Class        Class
}

// Translate rewrites a SQLite statement into its PostgreSQL form.
func Translate(sql string) (Result, error) {
	res := Result{Class: Classify(sql)}
	if len(sql) > MaxSQLLen {
		return res, fmt.Errorf("input is %d bytes: %w", len(sql), ErrOverflow)
	}

	s := normalizeQuotes(sql)

	var err error
	s, res.ParamCount, res.ParamNames, err = rewritePlaceholders(s)
	if err != nil {
		return res, fmt.Errorf("placeholders: %w", err)
	}

	passes := []struct {
		name string
		fn   func(string) (string, error)
	}{
		{"keywords", rewriteKeywords},
		{"functions", rewriteFunctions},
		{"ddl types", rewriteTypes},
		{"group by", fixGroupBy},
		{"upsert", rewriteUpsert},
		{"fts", neutralizeFTS},
	}
	for _, p := range passes {
		if s, err = p.fn(s); err != nil {
			return res, fmt.Errorf("%s: %w", p.name, err)
		}
		if len(s) > MaxSQLLen {
			return res, fmt.Errorf("%s made statement %d bytes: %w", p.name, len(s), ErrOverflow)
		}
	}

	res.SQL, res.ServerParams, res.ServerSlots = renumberPlaceholders(s, res.ParamCount)
	return res, nil
}

// renumberPlaceholders compacts the $N references left after the passes into
// a dense $1..$k sequence. A pass may drop a placeholder together with its
// predicate, and the server refuses to prepare a statement with a gap in the
// sequence. The returned slots map each source parameter position to its
// surviving index, zero for a dropped position.
func renumberPlaceholders(s string, paramCount int) (string, int, []int) {
	maxIdx := maxPlaceholder(s)
	if maxIdx > paramCount {
		paramCount = maxIdx
	}
	present := placeholderSet(s)

	slots := make([]int, paramCount)
	next := 0
	for i := 1; i <= maxIdx; i++ {
		if present[i] {
			next++
			slots[i-1] = next
		}
	}
	if next == maxIdx { // nothing dropped, the sequence is already dense
		return s, maxIdx, slots
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			j := skipLiteral(s, i)
			b.WriteString(s[i:j])
			i = j - 1
		case '"':
			j := skipQuoted(s, i, '"')
			b.WriteString(s[i:j])
			i = j - 1
		case '$':
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			if j == i+1 {
				b.WriteByte('$')
				continue
			}
			n, _ := strconv.Atoi(s[i+1 : j])
			if n < 1 || n > len(slots) {
				b.WriteString(s[i:j])
				i = j - 1
				continue
			}
			fmt.Fprintf(&b, "$%d", slots[n-1])
			i = j - 1
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), next, slots
}

// placeholderSet collects the $N indices the statement references.
func placeholderSet(s string) map[int]bool {
	res := map[int]bool{}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipLiteral(s, i) - 1
		case '"':
			i = skipQuoted(s, i, '"') - 1
		case '$':
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			if j > i+1 {
				if n, err := strconv.Atoi(s[i+1 : j]); err == nil && n > 0 {
					res[n] = true
				}
				i = j - 1
			}
		}
	}
	return res
}

// maxPlaceholder returns the highest $N index referenced by the statement.
func maxPlaceholder(s string) int {
	res := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i = skipLiteral(s, i) - 1
		case '"':
			i = skipQuoted(s, i, '"') - 1
		case '$':
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			if j > i+1 {
				if n, err := strconv.Atoi(s[i+1 : j]); err == nil && n > res {
					res = n
				}
				i = j - 1
			}
		}
	}
	return res
}
