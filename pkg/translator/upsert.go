package translator

import (
	"log"
	"strings"

	"github.com/go-pkgz/stringutils"
)

// settings writes race between player sessions, the original engine resolved
// them with INSERT OR REPLACE semantics per metadata id
const (
	upsertTable    = "metadata_settings"
	upsertConflict = "metadata_id"
)

// rewriteUpsert turns inserts into the settings table into server-side
// upserts and gives every insert a RETURNING clause feeding rowid emulation.
func rewriteUpsert(s string) (string, error) {
	if leadingKeyword(s) != "INSERT" {
		return s, nil
	}
	s = upsertSettings(s)
	return appendReturning(s), nil
}

func upsertSettings(s string) string {
	i := findWordTop(s, 0, "INTO")
	if i < 0 {
		return s
	}
	j := skipSpaces(s, i+len("INTO"))
	var table string
	if j < len(s) && s[j] == '"' {
		end := skipQuoted(s, j, '"')
		table = strings.Trim(s[j:end], `"`)
		j = end
	} else {
		table, j = wordAt(s, j)
	}
	if !strings.EqualFold(table, upsertTable) {
		return s
	}
	if findWordTop(s, j, "CONFLICT") >= 0 { // already an upsert
		return s
	}

	k := skipSpaces(s, j)
	cols, _, ok := parseArgs(s, k)
	if !ok || len(cols) == 0 {
		log.Printf("[INFO] upsert rewrite needs a column list, left unchanged: %s", stringutils.Truncate(s, 200))
		return s
	}

	var sets []string
	for _, c := range cols {
		name := strings.TrimSpace(c)
		if strings.EqualFold(strings.Trim(name, `"`), upsertConflict) {
			continue
		}
		sets = append(sets, name+" = EXCLUDED."+name)
	}
	if len(sets) == 0 {
		return s
	}
	return strings.TrimRight(s, " \t\n;") +
		" ON CONFLICT (" + upsertConflict + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// appendReturning adds RETURNING id to inserts that lack a returning clause,
// the statement layer captures it for last_insert_rowid.
func appendReturning(s string) string {
	if findWordTop(s, 0, "RETURNING") >= 0 {
		return s
	}
	return strings.TrimRight(s, " \t\n;") + " RETURNING id"
}
