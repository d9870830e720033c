package translator

import (
	"strings"

	"github.com/go-pkgz/stringutils"
)

// statements completed locally with no server round trip. SQLite
// housekeeping has no server meaning, and schema/fts internals never left
// the embedded engine in the first place.
var (
	skipLeading = []string{
		"PRAGMA", "VACUUM", "REINDEX", "ANALYZE", "ATTACH", "DETACH",
		"SAVEPOINT", "RELEASE", "ROLLBACK",
	}
	skipAnywhere = []string{
		"sqlite_master", "sqlite_schema", "sqlite_stat", "fts4", "fts5",
		"spellfix", "icu_load_collation", "fts3_tokenizer", "load_extension",
	}
	writeLeading = []string{
		"INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER",
		"BEGIN", "COMMIT", "END", "TRUNCATE",
	}
)

// Classify assigns the statement class driving redirection: writes and reads
// go to the server, skip-class statements complete immediately with no rows.
func Classify(sql string) Class {
	lead := leadingKeyword(sql)
	if lead == "" {
		return ClassSkip
	}
	if stringutils.Contains(lead, skipLeading) {
		return ClassSkip
	}
	if stringutils.ContainsAnySubstring(strings.ToLower(sql), skipAnywhere) {
		return ClassSkip
	}
	if stringutils.Contains(lead, writeLeading) {
		return ClassWrite
	}
	return ClassRead
}
